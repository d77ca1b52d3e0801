package utils

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

const (
	nameTimeLayout = "2006-01-02_15-04"
	maxNameBytes   = 200
)

var unsafeNameChars = regexp.MustCompile(`[\/\\:*?"<>|]`)

// SanitizeFileName replaces characters that are invalid in file names on
// common platforms and trims the result to a safe length.
func SanitizeFileName(name string) string {
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '\u3000':
			return ' '
		case r == '\u200b', r == '\ufeff':
			return -1
		case r < 0x20:
			return -1
		default:
			return r
		}
	}, name)
	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")
	if len(name) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimSpace(name[:cut])
	}
	if name == "" {
		return "untitled"
	}
	return name
}

// AssetName derives the local directory and file stem for an item. Meeting
// captures carry their start and stop times, uploads their creation time.
// The trailing tag keeps items with the same title and minute apart.
func AssetName(item models.RemoteItem, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	title := SanitizeFileName(item.Title)
	tag := " [" + ItemTag(item.Identifier) + "]"
	if item.Kind == models.KindMeetingCapture && !item.StartedAt.IsZero() {
		return item.StartedAt.In(loc).Format(nameTimeLayout) + "~" +
			item.MirroredAt().In(loc).Format(nameTimeLayout) + " " + title + tag
	}
	return item.CreatedAt.In(loc).Format(nameTimeLayout) + " " + title + tag
}

// ItemTag is a short, stable, file-name-safe digest of a remote identifier.
func ItemTag(identifier string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(identifier)).String()[:8]
}
