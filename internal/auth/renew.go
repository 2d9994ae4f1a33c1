package auth

import (
	"context"
	"time"

	"calsync/pkg/exception"

	"github.com/benbjohnson/clock"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const DefaultRenewRetry = 30 * time.Second

// Target accepts renewed credentials.
type Target interface {
	SetCredentials(creds Credentials) error
}

type RenewerOption struct {
	// Retry is the wait before asking the source again after a failed renewal.
	Retry time.Duration
	Clock clock.Clock
}

// Renewer re-reads credentials from a Source and hands them to a Target
// whenever a renewal is requested, typically once the held token expired.
type Renewer struct {
	source   Source
	target   Target
	retry    time.Duration
	clock    clock.Clock
	requests chan struct{}
}

func NewRenewer(source Source, target Target, opt RenewerOption) (*Renewer, error) {
	if source == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "nil credentials source")
	}
	if target == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "nil credentials target")
	}
	if opt.Retry <= 0 {
		opt.Retry = DefaultRenewRetry
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &Renewer{
		source:   source,
		target:   target,
		retry:    opt.Retry,
		clock:    opt.Clock,
		requests: make(chan struct{}, 1),
	}, nil
}

// Request asks for a renewal. It never blocks and requests coalesce.
func (r *Renewer) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// Run serves requests until ctx is done. A failed renewal is retried every
// Retry until the source yields credentials the target accepts.
func (r *Renewer) Run(ctx context.Context) error {
	var retry *clock.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.requests:
		case <-retryC:
		}
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}

		if err := r.Renew(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logs.Warnf("auth: renew credentials failed, retry in %s, err: %+v", r.retry, err)
			retry = r.clock.Timer(r.retry)
			retryC = retry.C
		}
	}
}

// Renew reads the source once and hands the result to the target.
func (r *Renewer) Renew(ctx context.Context) error {
	creds, err := r.source.Credentials(ctx)
	if err != nil {
		return err
	}
	if err := r.target.SetCredentials(creds); err != nil {
		return err
	}
	logs.Infof("auth: credentials renewed, subject: %q", creds.Subject)
	return nil
}
