// Package retention keeps the remote store under its ceiling by evicting the
// oldest mirrored items.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// DefaultMaxFailures bounds how many failed deletions one eviction pass
// tolerates before giving up on the remaining candidates.
const DefaultMaxFailures = 10

// Deleter removes remote items in two steps: a reversible soft delete and a
// permanent destroy.
type Deleter interface {
	SoftDelete(ctx context.Context, identifier string) error
	Destroy(ctx context.Context, identifier string) error
}

// EvictionFailure records an item that could not be evicted.
type EvictionFailure struct {
	Identifier string
	Reason     error
}

func (f EvictionFailure) Error() string {
	return fmt.Sprintf("evict %s: %v", f.Identifier, f.Reason)
}

func (f EvictionFailure) Unwrap() error { return f.Reason }

// EvictionReport is the outcome of one eviction pass.
type EvictionReport struct {
	Requested int
	Succeeded []string
	Failed    []EvictionFailure
}

// Err aggregates the failures, or returns nil when there were none.
func (r EvictionReport) Err() error {
	var result *multierror.Error
	for _, f := range r.Failed {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// Options tunes the controller.
type Options struct {
	MaxFailures int
	// StepDelay separates the soft delete from the destroy.
	StepDelay time.Duration
}

// Controller evicts the oldest items.
type Controller struct {
	deleter Deleter
	opts    Options
	log     zerolog.Logger
}

// NewController creates a controller deleting through deleter.
func NewController(deleter Deleter, opts Options, log zerolog.Logger) *Controller {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	return &Controller{deleter: deleter, opts: opts, log: log}
}

// EvictOldest removes count items from candidates, which must be sorted
// oldest first. A failed item does not count toward the target, so the walk
// continues into newer candidates until count items are gone, the list is
// exhausted, or MaxFailures deletions have failed.
func (c *Controller) EvictOldest(ctx context.Context, candidates []models.RemoteItem, count int) EvictionReport {
	report := EvictionReport{Requested: count}
	if count <= 0 {
		return report
	}

	target := count
	for i := 0; i < len(candidates) && i < target; i++ {
		if ctx.Err() != nil {
			report.Failed = append(report.Failed, EvictionFailure{Identifier: candidates[i].Identifier, Reason: ctx.Err()})
			break
		}
		item := candidates[i]

		if err := c.evict(ctx, item.Identifier); err != nil {
			report.Failed = append(report.Failed, EvictionFailure{Identifier: item.Identifier, Reason: err})
			c.log.Warn().
				Err(err).
				Str("item", item.Identifier).
				Str("title", item.Title).
				Msg("eviction failed, trying next oldest")
			if len(report.Failed) >= c.opts.MaxFailures {
				c.log.Error().Int("failures", len(report.Failed)).Msg("eviction failure ceiling reached")
				break
			}
			target++
			continue
		}

		report.Succeeded = append(report.Succeeded, item.Identifier)
		c.log.Info().Str("item", item.Identifier).Str("title", item.Title).Msg("evicted")
	}

	c.log.Info().
		Int("requested", count).
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Msg("eviction pass finished")
	return report
}

func (c *Controller) evict(ctx context.Context, identifier string) error {
	if err := c.deleter.SoftDelete(ctx, identifier); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if c.opts.StepDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.StepDelay):
		}
	}
	if err := c.deleter.Destroy(ctx, identifier); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}
