package orchestrator

import (
	"sync"

	"github.com/anumate/orchestrator/internal/apperr"
)

// tenantBackpressure bounds the number of concurrently in-flight runs per
// tenant (spec.md §5, "orchestrator bounds concurrent runs per tenant").
// Grounded on the same mutex-guarded-map shape as runLocks/the teacher's
// QuarantineManager, swapping a set membership for a per-key counter.
type tenantBackpressure struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func newTenantBackpressure(max int) *tenantBackpressure {
	if max <= 0 {
		max = 50
	}
	return &tenantBackpressure{counts: make(map[string]int), max: max}
}

// acquire reserves a slot for tenantID, returning a release function. It
// fails with a retryable ServiceBusy error if the tenant is already at its
// concurrency limit.
func (b *tenantBackpressure) acquire(tenantID string) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.counts[tenantID] >= b.max {
		return nil, apperr.Transient("service_busy", "tenant has reached its concurrent run limit", nil)
	}
	b.counts[tenantID]++

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.counts[tenantID]--
		if b.counts[tenantID] <= 0 {
			delete(b.counts, tenantID)
		}
	}, nil
}
