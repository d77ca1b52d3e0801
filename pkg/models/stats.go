package models

import "time"

// Stats summarizes the record store
type Stats struct {
	MirroredItems  int64
	MeetingItems   int64
	UploadItems    int64
	LastMirroredAt time.Time
}
