package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"calsync/internal/resource"
	"calsync/pkg/exception"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/semaphore"
)

const (
	defaultFetchConcurrency = 4
	defaultFetchRetries     = 3
	defaultFetchTimeout     = 15 * time.Second
	maxFetchBody            = 4 << 20
)

// Refresh is the outcome of fetching one updated calendar.
type Refresh struct {
	ID           string
	Hint         resource.CalendarContext
	Notification json.RawMessage
	Status       int
	// NotModified is set when the backend answered 304 to the cached ETag.
	NotModified bool
	Body        []byte
	FetchedAt   time.Time
}

// Sink receives fetched calendars.
type Sink interface {
	Deliver(ctx context.Context, refresh Refresh)
}

type SinkFunc func(ctx context.Context, refresh Refresh)

func (f SinkFunc) Deliver(ctx context.Context, refresh Refresh) {
	f(ctx, refresh)
}

type FetcherOption struct {
	// BaseURL is prefixed to the calendar path, e.g. https://api.example.com.
	BaseURL string
	// Token returns the current bearer token. Optional.
	Token       func() string
	Sink        Sink
	Concurrency int64
	RetryMax    int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Fetcher pulls the updated calendar after each coalesced refresh.
// Flush never blocks; fetches run on their own goroutines bounded by Concurrency.
type Fetcher struct {
	ctx    context.Context
	base   string
	token  func() string
	sink   Sink
	client *retryablehttp.Client
	sem    *semaphore.Weighted

	wg    sync.WaitGroup
	mu    sync.Mutex
	etags map[string]string
}

func NewFetcher(ctx context.Context, opt FetcherOption) (*Fetcher, error) {
	if opt.BaseURL == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty fetch base url")
	}
	if opt.Sink == nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "nil fetch sink")
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = defaultFetchConcurrency
	}
	if opt.RetryMax < 0 {
		opt.RetryMax = 0
	} else if opt.RetryMax == 0 {
		opt.RetryMax = defaultFetchRetries
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultFetchTimeout
	}
	if opt.Token == nil {
		opt.Token = func() string { return "" }
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opt.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{}
	if opt.HTTPClient != nil {
		client.HTTPClient = opt.HTTPClient
	}
	client.HTTPClient.Timeout = opt.Timeout

	return &Fetcher{
		ctx:    ctx,
		base:   strings.TrimRight(opt.BaseURL, "/"),
		token:  opt.Token,
		sink:   opt.Sink,
		client: client,
		sem:    semaphore.NewWeighted(opt.Concurrency),
		etags:  make(map[string]string),
	}, nil
}

func (f *Fetcher) Flush(id string, payload json.RawMessage, hint resource.CalendarContext) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.sem.Acquire(f.ctx, 1); err != nil {
			return
		}
		defer f.sem.Release(1)

		refresh, err := f.Fetch(f.ctx, id)
		if err != nil {
			logs.Warnf("dispatch: fetch %s failed, err: %+v", id, err)
			return
		}
		refresh.Hint = hint
		refresh.Notification = payload
		f.sink.Deliver(f.ctx, refresh)
	}()
}

// Wait blocks until every started fetch finished.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

// Fetch performs one conditional GET of the calendar resource.
func (f *Fetcher) Fetch(ctx context.Context, id string) (Refresh, error) {
	url := f.base + resource.CalendarPath(id)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return Refresh{}, errors.Wrap(err, "build request").With("url", url)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if token := f.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if etag := f.etag(id); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Refresh{}, errors.Wrap(err, "get calendar").With("url", url)
	}
	defer func() { _ = resp.Body.Close() }()

	refresh := Refresh{ID: id, Status: resp.StatusCode, FetchedAt: time.Now()}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		refresh.NotModified = true
		return refresh, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return Refresh{}, errors.Errorf("get calendar %s: status %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return Refresh{}, errors.Wrap(err, "read calendar").With("url", url)
	}
	refresh.Body = body
	f.setETag(id, resp.Header.Get("ETag"))
	return refresh, nil
}

func (f *Fetcher) etag(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.etags[id]
}

func (f *Fetcher) setETag(id, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if etag == "" {
		delete(f.etags, id)
		return
	}
	f.etags[id] = etag
}

// leveledLogger routes retryablehttp logs to the process logger.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { logs.Errorf("dispatch: %s %v", msg, kv) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { logs.Warnf("dispatch: %s %v", msg, kv) }
func (leveledLogger) Info(msg string, kv ...interface{})  { logs.Debugf("dispatch: %s %v", msg, kv) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { logs.Debugf("dispatch: %s %v", msg, kv) }
