package netwatch

import (
	"context"
	"net"
	"net/url"
	"time"

	"calsync/pkg/exception"

	"github.com/benbjohnson/clock"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Listener receives reachability edges.
type Listener interface {
	ReachabilityLost() error
	ReachabilityRegained() error
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type ProberOption struct {
	// Address is the host:port dialed on every probe.
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Dial     DialFunc
}

// Prober turns periodic TCP dials into edge-triggered reachability signals.
// The network is assumed reachable until a probe fails.
type Prober struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	dial     DialFunc
}

func NewProber(opt ProberOption) (*Prober, error) {
	if opt.Address == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty probe address")
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.Dial == nil {
		opt.Dial = (&net.Dialer{}).DialContext
	}
	return &Prober{
		address:  opt.Address,
		interval: opt.Interval,
		timeout:  opt.Timeout,
		clock:    opt.Clock,
		dial:     opt.Dial,
	}, nil
}

// Check dials the address once.
func (p *Prober) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// Run probes until ctx is done and reports every change of reachability to listener.
func (p *Prober) Run(ctx context.Context, listener Listener) error {
	if listener == nil {
		return errors.Wrap(exception.ErrNilInstance, "nil reachability listener")
	}
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	reachable := true
	probe := func() {
		err := p.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil && reachable:
			reachable = false
			logs.Warnf("netwatch: %s unreachable, err: %+v", p.address, err)
			if err := listener.ReachabilityLost(); err != nil {
				logs.Debugf("netwatch: deliver lost, err: %+v", err)
			}
		case err == nil && !reachable:
			reachable = true
			logs.Infof("netwatch: %s reachable again", p.address)
			if err := listener.ReachabilityRegained(); err != nil {
				logs.Debugf("netwatch: deliver regained, err: %+v", err)
			}
		}
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probe()
		}
	}
}

// AddressFromEndpoint derives host:port from a ws, wss, http or https URL.
func AddressFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if u.Hostname() == "" {
		return "", errors.Wrapf(exception.ErrInvalidArgument, "endpoint %q has no host", endpoint)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "ws", "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	default:
		return "", errors.Wrapf(exception.ErrInvalidArgument, "endpoint %q has unsupported scheme", endpoint)
	}
}
