package bucket

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// Upload puts a local file under the prefix and returns it as an item.
func (b *Backend) Upload(ctx context.Context, localPath string) (models.RemoteItem, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return models.RemoteItem{}, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	key := sanitizeKey(path.Join(b.opts.Prefix, filepath.Base(localPath)))
	opts := minio.PutObjectOptions{ContentType: contentType(localPath)}

	started := time.Now()
	objInfo, err := b.client.FPutObject(ctx, b.opts.Bucket, key, localPath, opts)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code != "" {
			b.log.Error().
				Str("file", localPath).
				Str("code", minioErr.Code).
				Str("bucket", minioErr.BucketName).
				Str("key", minioErr.Key).
				Msg(minioErr.Message)
		}
		return models.RemoteItem{}, fmt.Errorf("failed to upload file %s: %w", localPath, err)
	}
	if objInfo.Size != info.Size() {
		return models.RemoteItem{}, fmt.Errorf("uploaded size mismatch for %s: expected %d, got %d", localPath, info.Size(), objInfo.Size)
	}

	name := filepath.Base(localPath)
	return models.RemoteItem{
		Identifier:  key,
		Kind:        models.KindUserUpload,
		Title:       strings.TrimSuffix(name, filepath.Ext(name)),
		CreatedAt:   started,
		CompletedAt: time.Now(),
		Size:        objInfo.Size,
	}, nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".mp4":
		return "video/mp4"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".srt":
		return "application/x-subrip"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// sanitizeKey normalises separators and invisible characters and collapses
// double slashes.
func sanitizeKey(p string) string {
	p = strings.Map(func(r rune) rune {
		switch r {
		case '\u3000':
			return ' '
		case '\u200b', '\ufeff':
			return -1
		}
		return r
	}, p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ReplaceAll(p, "&", "and")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.TrimPrefix(p, "/")
}
