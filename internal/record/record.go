// Package record keeps the durable set of remote identifiers already
// mirrored locally.
package record

import (
	"context"
	"fmt"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// Store is the source of truth for "already downloaded". Load reads the full
// durable set once per cycle; IsMirrored answers from that snapshot.
// MarkMirrored is idempotent and must only be called once every local file of
// the item is complete.
type Store interface {
	Load(ctx context.Context) error
	IsMirrored(identifier string) bool
	MarkMirrored(ctx context.Context, rec models.MirrorRecord) error
	Close() error
}

// RecordStoreCorruptionError reports a record store that cannot be trusted.
type RecordStoreCorruptionError struct {
	Path string
	Line int
	Err  error
}

func (e *RecordStoreCorruptionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("record store %s corrupt at line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("record store %s unreadable: %v", e.Path, e.Err)
}

func (e *RecordStoreCorruptionError) Unwrap() error { return e.Err }
