package runtime

import (
	"context"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/ratelimit"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// quotaWatch mirrors rate-limit and quota errors from a provider's event
// stream into the guard, so the selector steers later rounds around the
// backend while it cools down.
type quotaWatch struct {
	inner agent.Provider
	guard *ratelimit.Guard
}

var _ agent.Provider = (*quotaWatch)(nil)

func (q *quotaWatch) Name() string { return q.inner.Name() }

func (q *quotaWatch) OpenStream(ctx context.Context, req agent.StreamRequest) <-chan models.Event {
	in := q.inner.OpenStream(ctx, req)
	out := make(chan models.Event)
	go func() {
		defer close(out)
		for event := range in {
			if event.Type == models.EventError && event.Error != nil {
				q.observe(req.Model, event.Error)
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (q *quotaWatch) observe(model string, payload *models.ErrorEventPayload) {
	key := ratelimit.CompositeKey(q.Name(), model)
	switch payload.Code {
	case agent.KindRateLimit.Code():
		retryAfter := time.Duration(payload.RetryAfterSeconds * float64(time.Second))
		q.guard.MarkRateLimited(key, retryAfter)
	case agent.KindQuota.Code():
		q.guard.MarkQuotaExhausted(key)
	}
}
