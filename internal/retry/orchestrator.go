package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"go.uber.org/zap"
)

type Policy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	TransportBaseDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		TransportBaseDelay: 2 * time.Second,
	}
}

// Delay is the wait after the given failed attempt (1-based).
func (p Policy) Delay(class Class, attempt int) time.Duration {
	base := p.BaseDelay
	if class == ClassTransport {
		base = p.TransportBaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// State tracks one Execute call.
type State struct {
	Attempt   int
	LastErr   error
	LastClass Class
	Permanent bool
}

// schedule is a backoff.BackOff whose next delay depends on the class of
// the most recent failure.
type schedule struct {
	policy Policy
	state  *State
}

func (s *schedule) Reset() {}

func (s *schedule) NextBackOff() time.Duration {
	if s.state.Attempt >= s.policy.MaxAttempts {
		return backoff.Stop
	}
	return s.policy.Delay(s.state.LastClass, s.state.Attempt)
}

type Orchestrator struct {
	service  string
	policy   Policy
	logger   *zap.Logger
	newTimer func() backoff.Timer
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.Named("retry")
		}
	}
}

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(o *Orchestrator) { o.newTimer = newTimer }
}

// New returns an orchestrator for calls to the named service. The name only
// appears in user-facing error messages.
func New(service string, policy Policy, opts ...Option) *Orchestrator {
	defaults := DefaultPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.TransportBaseDelay <= 0 {
		policy.TransportBaseDelay = defaults.TransportBaseDelay
	}
	o := &Orchestrator{service: service, policy: policy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Policy() Policy { return o.policy }

// Single returns a copy that makes exactly one attempt.
func (o *Orchestrator) Single() *Orchestrator {
	cp := *o
	cp.policy.MaxAttempts = 1
	return &cp
}

// Execute runs op until it succeeds, fails with a non-retryable class, or
// the attempt budget is spent. An error wrapped in backoff.Permanent stops
// retrying and is returned unchanged.
func (o *Orchestrator) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	state := &State{}
	operation := func() error {
		state.Attempt++
		err := op(ctx, state.Attempt)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			state.LastErr = permanent.Err
			state.LastClass = Classify(permanent.Err)
			state.Permanent = true
			return err
		}
		state.LastErr = err
		state.LastClass = Classify(err)
		if !state.LastClass.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		o.logger.Warn("attempt failed, retrying",
			zap.String("service", o.service),
			zap.Int("attempt", state.Attempt),
			zap.Int("max_attempts", o.policy.MaxAttempts),
			zap.Stringer("class", state.LastClass),
			zap.Duration("delay", next),
			zap.Error(err),
		)
	}

	var timer backoff.Timer
	if o.newTimer != nil {
		timer = o.newTimer()
	}
	b := backoff.WithContext(&schedule{policy: o.policy, state: state}, ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		return nil
	}
	return o.terminal(ctx, state, err)
}

func (o *Orchestrator) terminal(ctx context.Context, state *State, err error) error {
	if state.Permanent {
		o.logger.Debug("permanent failure, not retrying",
			zap.String("service", o.service),
			zap.Int("attempts", state.Attempt),
			zap.Error(state.LastErr),
		)
		return state.LastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (state.LastClass.Retryable() || errors.Is(err, ctxErr)) {
		return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctxErr)
	}

	fields := []zap.Field{
		zap.String("service", o.service),
		zap.Int("attempts", state.Attempt),
		zap.Stringer("class", state.LastClass),
		zap.Error(state.LastErr),
	}
	switch state.LastClass {
	case ClassAuthentication:
		o.logger.Error("authentication failed, not retrying", fields...)
		return clierr.Wrap(clierr.CodeAuth, fmt.Sprintf("%s rejected the credentials; check the configured API key", o.service), state.LastErr)
	case ClassConfiguration:
		o.logger.Error("configuration error, not retrying", fields...)
		if cErr, ok := clierr.As(state.LastErr); ok && cErr.Code == clierr.CodeConfig {
			return cErr
		}
		return clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("%s is not configured correctly", o.service), state.LastErr)
	default:
		o.logger.Error("attempts exhausted", fields...)
		return clierr.Wrap(clierr.CodeExhausted, fmt.Sprintf("%s is unavailable, try again later", o.service), state.LastErr)
	}
}
