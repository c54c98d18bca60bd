package notification

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/pkg/circuitbreaker"
)

// BreakerSender guards a Sender with a circuit breaker. Bad recipients pass
// through without tripping it.
type BreakerSender struct {
	next Sender
	cb   *circuitbreaker.CircuitBreaker
}

// NewBreakerSender wraps next. State changes are exported on m when m is set.
func NewBreakerSender(next Sender, cfg circuitbreaker.Config, m *metrics.Metrics, logger *zap.Logger) (*BreakerSender, error) {
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrBadRecipient) || errors.Is(err, context.Canceled)
	}
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(cfg.Name).Set(circuitbreaker.StateClosed.Value())
		cfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
		}
	}
	cb, err := circuitbreaker.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &BreakerSender{next: next, cb: cb}, nil
}

// Send implements Sender.
func (s *BreakerSender) Send(ctx context.Context, to, subject, html string) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.next.Send(ctx, to, subject, html)
	})
}

// State exposes the breaker state for readiness checks.
func (s *BreakerSender) State() circuitbreaker.State {
	return s.cb.State()
}
