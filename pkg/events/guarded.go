package events

import (
	"context"

	"corpmsg-backend/pkg/resilience"
)

// GuardedPublisher stops calling a failing publisher for a while so a broker
// outage does not add its timeout to every call operation
type GuardedPublisher struct {
	next    Publisher
	breaker *resilience.CircuitBreaker
}

// NewGuardedPublisher wraps next with breaker
func NewGuardedPublisher(next Publisher, breaker *resilience.CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{next: next, breaker: breaker}
}

// Publish forwards the event unless the breaker is open
func (p *GuardedPublisher) Publish(ctx context.Context, event *CallEvent) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.Publish(ctx, event)
	})
}
