package websocket

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"calsync/pkg/exception"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

const (
	DefaultDialerTimeout = 10 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
	DefaultReadLimit     = 1 << 20
)

// DialerOption configures NewDialer.
type DialerOption struct {
	// HandshakeTimeout bounds the opening handshake. Optional; default DefaultDialerTimeout.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every write when the caller context has no deadline. Optional; default DefaultWriteTimeout.
	WriteTimeout time.Duration
	// ReadLimit caps the size of an inbound message. Optional; default DefaultReadLimit.
	ReadLimit int64
	// TokenQueryParam sends the token as a query parameter instead of an Authorization header when set.
	TokenQueryParam string
	// Header is sent with every handshake. Optional.
	Header http.Header
	// TLSConfig overrides the client TLS configuration. Optional.
	TLSConfig *tls.Config
}

type dialer struct {
	ws              *websocket.Dialer
	header          http.Header
	tokenQueryParam string
	writeTimeout    time.Duration
	readLimit       int64
}

// NewDialer returns a Dialer backed by gorilla/websocket.
func NewDialer(opt DialerOption) Dialer {
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = DefaultDialerTimeout
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	return &dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.HandshakeTimeout,
			TLSClientConfig:  opt.TLSConfig,
		},
		header:          opt.Header,
		tokenQueryParam: opt.TokenQueryParam,
		writeTimeout:    opt.WriteTimeout,
		readLimit:       opt.ReadLimit,
	}
}

func (d *dialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	if req.Endpoint == "" {
		return nil, exception.ErrEmptyEndpoint
	}
	target, header, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.ws.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(exception.ErrWebSocketHandshake, "status: %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dial websocket")
	}

	conn.SetReadLimit(d.readLimit)
	onPong := req.OnPong
	conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return nil
	})

	return &wsConn{
		conn:         conn,
		writeTimeout: d.writeTimeout,
	}, nil
}

func (d *dialer) prepare(req DialRequest) (string, http.Header, error) {
	header := http.Header{}
	for key, values := range d.header {
		header[key] = append([]string(nil), values...)
	}
	if req.Token == "" {
		return req.Endpoint, header, nil
	}
	if d.tokenQueryParam == "" {
		header.Set("Authorization", "Bearer "+req.Token)
		return req.Endpoint, header, nil
	}

	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return "", nil, errors.Wrap(err, "parse endpoint")
	}
	query := u.Query()
	query.Set(d.tokenQueryParam, req.Token)
	u.RawQuery = query.Encode()
	return u.String(), header, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	msgType, payload, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, closeErrorFromGorilla(err)
	}
	return MessageType(msgType), payload, nil
}

func (c *wsConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	if msgType == 0 || msgType > MessagePong {
		return exception.ErrWebSocketUnsupportedType
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if msgType.control() {
		return c.conn.WriteControl(int(msgType), payload, deadline)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(int(msgType), payload)
}

func (c *wsConn) Close(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(code), reason),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func closeErrorFromGorilla(err error) *CloseError {
	if ce, ok := err.(*websocket.CloseError); ok {
		return &CloseError{
			Code:   CloseCode(ce.Code),
			Reason: ce.Text,
			Clean:  ce.Code != websocket.CloseAbnormalClosure,
		}
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}
