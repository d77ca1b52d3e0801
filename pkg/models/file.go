package models

import "time"

// LocalAsset is the local copy of a remote item. The payload and its sibling
// artifacts share one mirrored timestamp.
type LocalAsset struct {
	Dir           string
	Path          string
	SizeExpected  int64
	MtimeOverride *time.Time
	Siblings      []string
}

// Files returns the payload path (when set) followed by the siblings.
func (a LocalAsset) Files() []string {
	files := make([]string, 0, len(a.Siblings)+1)
	if a.Path != "" {
		files = append(files, a.Path)
	}
	return append(files, a.Siblings...)
}
