// Package bucket mirrors from an S3-compatible bucket through minio-go.
// Objects under a prefix are items; transcript sidecars share the media
// object's key stem.
package bucket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/chmdznr/minutes-mirror/internal/transfer"
	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// Options configures a Backend.
type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	Insecure      bool
	Bucket        string
	Prefix        string
	TranscriptExt string
}

// Backend is a bucket treated as the remote store.
type Backend struct {
	client *minio.Client
	opts   Options
	log    zerolog.Logger
}

// New connects to the endpoint. No request is made until first use.
func New(opts Options, log zerolog.Logger) (*Backend, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("bucket endpoint and name are required")
	}
	if opts.TranscriptExt == "" {
		opts.TranscriptExt = "txt"
	}
	opts.Prefix = strings.TrimPrefix(opts.Prefix, "/")

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	region := opts.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       !opts.Insecure,
		Transport:    tr,
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return &Backend{client: client, opts: opts, log: log}, nil
}

// TranscriptExt is the extension of transcript sidecars.
func (b *Backend) TranscriptExt() string { return b.opts.TranscriptExt }

func (b *Backend) isSidecar(key string) bool {
	return strings.EqualFold(path.Ext(key), "."+b.opts.TranscriptExt)
}

// sidecarKey is the transcript key for a media key: same stem, transcript extension.
func (b *Backend) sidecarKey(key string) string {
	return strings.TrimSuffix(key, path.Ext(key)) + "." + b.opts.TranscriptExt
}

func itemFromObject(obj minio.ObjectInfo) models.RemoteItem {
	title := path.Base(obj.Key)
	title = strings.TrimSuffix(title, path.Ext(title))
	return models.RemoteItem{
		Identifier:  obj.Key,
		Kind:        models.KindUserUpload,
		Title:       title,
		CreatedAt:   obj.LastModified,
		CompletedAt: obj.LastModified,
		Size:        obj.Size,
	}
}

// sortOldestFirst orders by modification time, then key.
func sortOldestFirst(items []models.RemoteItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Identifier < items[j].Identifier
	})
}

func (b *Backend) objects(ctx context.Context) ([]minio.ObjectInfo, error) {
	var out []minio.ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.opts.Bucket, minio.ListObjectsOptions{
		Prefix:    b.opts.Prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", b.opts.Bucket, b.opts.Prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// List returns the media objects under the prefix, oldest first.
func (b *Backend) List(ctx context.Context) ([]models.RemoteItem, error) {
	objs, err := b.objects(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]models.RemoteItem, 0, len(objs))
	for _, obj := range objs {
		if b.isSidecar(obj.Key) {
			continue
		}
		items = append(items, itemFromObject(obj))
	}
	sortOldestFirst(items)
	return items, nil
}

// Usage sums the sizes of every object under the prefix, sidecars included.
func (b *Backend) Usage(ctx context.Context) (models.UsageSample, error) {
	objs, err := b.objects(ctx)
	if err != nil {
		return models.UsageSample{}, err
	}
	var total uint64
	for _, obj := range objs {
		if obj.Size > 0 {
			total += uint64(obj.Size)
		}
	}
	return models.UsageSample{BytesUsed: total, ObservedAt: time.Now()}, nil
}

// MediaSource is the object key itself.
func (b *Backend) MediaSource(ctx context.Context, item models.RemoteItem) (string, error) {
	return item.Identifier, nil
}

// Transcript returns the sidecar transcript, or nil when the item has none.
func (b *Backend) Transcript(ctx context.Context, item models.RemoteItem) ([]byte, string, error) {
	key := b.sidecarKey(item.Identifier)
	if key == item.Identifier {
		return nil, "", nil
	}
	if _, err := b.client.StatObject(ctx, b.opts.Bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("stat %s: %w", key, err)
	}
	obj, err := b.client.GetObject(ctx, b.opts.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", key, err)
	}
	return data, b.opts.TranscriptExt, nil
}

// RangeSource returns the backend itself; sources are object keys.
func (b *Backend) RangeSource() transfer.RangeSource { return b }

// Probe returns the object size.
func (b *Backend) Probe(ctx context.Context, key string) (int64, error) {
	info, err := b.client.StatObject(ctx, b.opts.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// OpenRange reads bytes start..end inclusive of an object.
func (b *Backend) OpenRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, err
	}
	obj, err := b.client.GetObject(ctx, b.opts.Bucket, key, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// SoftDelete removes the current version of the media object. On a
// versioned bucket this leaves a delete marker and the data recoverable.
func (b *Backend) SoftDelete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.opts.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Destroy removes every version of the media object and its sidecar.
func (b *Backend) Destroy(ctx context.Context, key string) error {
	targets := map[string]bool{key: true, b.sidecarKey(key): true}
	var removed int
	for obj := range b.client.ListObjects(ctx, b.opts.Bucket, minio.ListObjectsOptions{
		Prefix:       strings.TrimSuffix(key, path.Ext(key)),
		Recursive:    true,
		WithVersions: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list versions of %s: %w", key, obj.Err)
		}
		if !targets[obj.Key] {
			continue
		}
		err := b.client.RemoveObject(ctx, b.opts.Bucket, obj.Key, minio.RemoveObjectOptions{VersionID: obj.VersionID})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("remove %s@%s: %w", obj.Key, obj.VersionID, err)
		}
		removed++
	}
	b.log.Debug().Str("item", key).Int("versions", removed).Msg("destroyed")
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchVersion", "NotFound":
		return true
	}
	return false
}
