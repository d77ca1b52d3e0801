package retention

import (
	"fmt"
	"sync"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// Mode selects how eviction is triggered.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeCount Mode = "count"
	ModeUsage Mode = "usage"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeCount, ModeUsage:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown retention mode %q", s)
	}
}

// DefaultUsageBatch is how many items a usage-triggered pass evicts.
const DefaultUsageBatch = 2

// CountPolicy keeps at most MaxCount items remote.
type CountPolicy struct {
	MaxCount int
}

// Evictions returns how many of total items must go.
func (p CountPolicy) Evictions(total int) int {
	if p.MaxCount < 0 || total <= p.MaxCount {
		return 0
	}
	return total - p.MaxCount
}

// UsagePolicy evicts a small batch whenever usage exceeds a byte threshold.
// The next sample decides whether another batch is needed.
type UsagePolicy struct {
	ThresholdBytes uint64
	Batch          int
}

// Evictions returns the batch size when sample exceeds the threshold.
func (p UsagePolicy) Evictions(sample models.UsageSample) int {
	if sample.BytesUsed <= p.ThresholdBytes {
		return 0
	}
	if p.Batch <= 0 {
		return DefaultUsageBatch
	}
	return p.Batch
}

// UsageTracker remembers the previous usage sample so unchanged usage can
// skip a cycle.
type UsageTracker struct {
	mu   sync.Mutex
	last *models.UsageSample
}

// Changed records sample and reports whether it differs from the previous
// one. The first sample always counts as changed.
func (t *UsageTracker) Changed(sample models.UsageSample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.last == nil || t.last.BytesUsed != sample.BytesUsed
	t.last = &sample
	return changed
}

// Forget drops the remembered sample so the next one counts as changed.
func (t *UsageTracker) Forget() {
	t.mu.Lock()
	t.last = nil
	t.mu.Unlock()
}
