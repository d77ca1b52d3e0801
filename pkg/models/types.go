package models

import (
	"fmt"
	"time"
)

// ItemKind distinguishes how a remote item came to exist.
type ItemKind int

const (
	// KindMeetingCapture is a recording produced by a meeting.
	KindMeetingCapture ItemKind = 0
	// KindUserUpload is a file pushed by a user.
	KindUserUpload ItemKind = 1
)

func (k ItemKind) String() string {
	switch k {
	case KindMeetingCapture:
		return "meeting"
	case KindUserUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// ParseItemKind accepts the names String returns.
func ParseItemKind(s string) (ItemKind, error) {
	switch s {
	case "meeting":
		return KindMeetingCapture, nil
	case "upload":
		return KindUserUpload, nil
	default:
		return 0, fmt.Errorf("unknown item kind %q", s)
	}
}

// RemoteItem is one asset listed by the remote store. Identifier is the dedup key.
type RemoteItem struct {
	Identifier  string
	Kind        ItemKind
	Title       string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Size        int64
}

// MirroredAt returns the timestamp mirrored files should carry.
func (i RemoteItem) MirroredAt() time.Time {
	if !i.CompletedAt.IsZero() {
		return i.CompletedAt
	}
	return i.CreatedAt
}

// UsageSample is a point-in-time reading of remote storage usage.
type UsageSample struct {
	BytesUsed  uint64
	ObservedAt time.Time
}

// MirrorRecord marks a remote identifier as captured locally.
type MirrorRecord struct {
	RemoteIdentifier string
	Title            string
	Kind             ItemKind
	LocalPath        string
	CreatedAt        time.Time
	CompletedAt      time.Time
	MirroredAt       time.Time
}

// RecordFor builds the mirror record for an item stored at localPath.
func RecordFor(item RemoteItem, localPath string) MirrorRecord {
	return MirrorRecord{
		RemoteIdentifier: item.Identifier,
		Title:            item.Title,
		Kind:             item.Kind,
		LocalPath:        localPath,
		CreatedAt:        item.CreatedAt,
		CompletedAt:      item.CompletedAt,
		MirroredAt:       time.Now(),
	}
}
