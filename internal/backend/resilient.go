package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds how hard Resilient tries before giving up on a call.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RequestTimeout  time.Duration
	RatePerSecond   float64 // 0 disables rate limiting
	Burst           int
}

// DefaultRetryPolicy is used for zero fields of a caller-supplied policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	RequestTimeout:  30 * time.Second,
	Burst:           1,
}

// Resilient wraps a Backend with a per-call timeout, a client-side rate
// limiter and bounded exponential retry of ErrUnavailable failures. Every
// other error is returned on the first attempt.
type Resilient struct {
	next    Backend
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

// NewResilient creates a Resilient decorator around next.
func NewResilient(next Backend, policy RetryPolicy, logger logrus.FieldLogger) *Resilient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if policy.RequestTimeout <= 0 {
		policy.RequestTimeout = DefaultRetryPolicy.RequestTimeout
	}
	if policy.Burst <= 0 {
		policy.Burst = DefaultRetryPolicy.Burst
	}

	limit := rate.Inf
	if policy.RatePerSecond > 0 {
		limit = rate.Limit(policy.RatePerSecond)
	}

	return &Resilient{
		next:    next,
		policy:  policy,
		limiter: rate.NewLimiter(limit, policy.Burst),
		logger:  logger.WithField("backend", next.Kind()),
	}
}

func (r *Resilient) Kind() models.Kind {
	return r.next.Kind()
}

func (r *Resilient) FetchChanges(ctx context.Context, cursor string) (ChangeFeed, error) {
	var feed ChangeFeed
	err := r.do(ctx, OpFetchChanges, "", func(ctx context.Context) error {
		var err error
		feed, err = r.next.FetchChanges(ctx, cursor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resilientFeed{next: feed, r: r}, nil
}

func (r *Resilient) FetchWindow(ctx context.Context, since time.Time) ([]models.Event, error) {
	var events []models.Event
	err := r.do(ctx, OpFetchWindow, "", func(ctx context.Context) error {
		var err error
		events, err = r.next.FetchWindow(ctx, since)
		return err
	})
	return events, err
}

func (r *Resilient) LookupByUID(ctx context.Context, uid string) (models.Event, error) {
	var event models.Event
	err := r.do(ctx, OpLookup, uid, func(ctx context.Context) error {
		var err error
		event, err = r.next.LookupByUID(ctx, uid)
		return err
	})
	return event, err
}

func (r *Resilient) Create(ctx context.Context, event models.Event) error {
	return r.do(ctx, OpCreate, event.UID, func(ctx context.Context) error {
		return r.next.Create(ctx, event)
	})
}

func (r *Resilient) Update(ctx context.Context, uid string, event models.Event) error {
	return r.do(ctx, OpUpdate, uid, func(ctx context.Context) error {
		return r.next.Update(ctx, uid, event)
	})
}

func (r *Resilient) Delete(ctx context.Context, uid string) error {
	return r.do(ctx, OpDelete, uid, func(ctx context.Context) error {
		return r.next.Delete(ctx, uid)
	})
}

func (r *Resilient) do(ctx context.Context, op Op, uid string, call func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.policy.InitialInterval
	policy.MaxInterval = r.policy.MaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.policy.MaxAttempts-1)), ctx)

	operation := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, r.policy.RequestTimeout)
		defer cancel()

		err := call(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s timed out after %s: %w", ErrUnavailable, op, r.policy.RequestTimeout, err)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"action": op,
			"uid":    uid,
			"retry":  wait,
		}).Warnf("Backend call failed, retrying: %v", err)
	}

	return backoff.RetryNotify(operation, b, notify)
}

type resilientFeed struct {
	next ChangeFeed
	r    *Resilient
}

func (f *resilientFeed) Next(ctx context.Context) (models.Event, bool, error) {
	var (
		event models.Event
		ok    bool
	)
	err := f.r.do(ctx, OpFetchChanges, "", func(ctx context.Context) error {
		var err error
		event, ok, err = f.next.Next(ctx)
		return err
	})
	return event, ok, err
}

func (f *resilientFeed) Cursor() string {
	return f.next.Cursor()
}
