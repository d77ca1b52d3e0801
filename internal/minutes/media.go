package minutes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

type statusData struct {
	VideoInfo struct {
		VideoDownloadURL string `json:"video_download_url"`
	} `json:"video_info"`
}

// MediaSource resolves the download URL of an item's media.
func (c *Client) MediaSource(ctx context.Context, item models.RemoteItem) (string, error) {
	q := url.Values{}
	q.Set("object_token", item.Identifier)
	q.Set("language", c.opts.Language)
	q.Set("_t", strconv.FormatInt(c.nowFunc().UnixMilli(), 10))

	var data statusData
	if err := c.call(ctx, http.MethodGet, c.resolve(c.base, "status", q), nil, &data); err != nil {
		return "", fmt.Errorf("status %s: %w", item.Identifier, err)
	}
	if data.VideoInfo.VideoDownloadURL == "" {
		return "", fmt.Errorf("status %s: no media download URL", item.Identifier)
	}
	return data.VideoInfo.VideoDownloadURL, nil
}

// Transcript exports an item's transcript in the configured format.
func (c *Client) Transcript(ctx context.Context, item models.RemoteItem) ([]byte, string, error) {
	t := c.opts.Transcript
	q := url.Values{}
	q.Set("object_token", item.Identifier)
	q.Set("format", t.formatCode())
	q.Set("add_speaker", strconv.FormatBool(t.Speaker))
	q.Set("add_timestamp", strconv.FormatBool(t.Timestamp))

	endpoint := c.resolve(c.base, "export", q)
	body, err := c.send(ctx, http.MethodPost, endpoint, nil, "")
	if err != nil {
		return nil, "", fmt.Errorf("export %s: %w", item.Identifier, err)
	}
	// A stale session answers 200 with an error envelope instead of text.
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Code *int   `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(trimmed, &env) == nil && env.Code != nil && *env.Code != 0 {
			return nil, "", fmt.Errorf("export %s: %w", item.Identifier,
				&APIError{Endpoint: stripQuery(endpoint), StatusCode: http.StatusOK, Code: *env.Code, Msg: env.Msg})
		}
	}
	return body, t.Ext(), nil
}
