package minutes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/chmdznr/minutes-mirror/internal/transfer"
)

var _ transfer.UploadAPI = (*Client)(nil)

type quotaData struct {
	HasQuota    bool              `json:"has_quota"`
	UploadToken map[string]string `json:"upload_token"`
}

// CheckQuota asks whether a file of size bytes may be uploaded.
func (c *Client) CheckQuota(ctx context.Context, size int64) (transfer.QuotaGrant, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return transfer.QuotaGrant{}, err
	}
	info := fmt.Sprintf("%s_%d", id, size)

	q := url.Values{}
	q.Set("file_info[]", info)
	q.Set("language", c.opts.Language)

	var data quotaData
	if err := c.call(ctx, http.MethodGet, c.resolve(c.base, "quota", q), nil, &data); err != nil {
		return transfer.QuotaGrant{}, fmt.Errorf("quota: %w", err)
	}
	if !data.HasQuota {
		return transfer.QuotaGrant{}, transfer.ErrQuotaExceeded
	}
	token := data.UploadToken[info]
	if token == "" {
		return transfer.QuotaGrant{}, fmt.Errorf("quota: no upload token for %s", info)
	}
	return transfer.QuotaGrant{Token: token}, nil
}

type prepareBody struct {
	Name        string `json:"name"`
	FileSize    int64  `json:"file_size"`
	FileHeader  string `json:"file_header"`
	DriveUpload bool   `json:"drive_upload"`
	UploadToken string `json:"upload_token"`
}

type prepareData struct {
	VHID        string `json:"vhid"`
	UploadID    string `json:"upload_id"`
	ObjectToken string `json:"object_token"`
}

// Prepare opens an upload session.
func (c *Client) Prepare(ctx context.Context, req transfer.PrepareRequest) (transfer.UploadSession, error) {
	body := prepareBody{
		Name:        req.Name,
		FileSize:    req.Size,
		FileHeader:  req.Header,
		DriveUpload: true,
		UploadToken: req.Grant.Token,
	}
	var data prepareData
	if err := c.call(ctx, http.MethodPost, c.resolve(c.base, "upload/prepare", nil), body, &data); err != nil {
		return transfer.UploadSession{}, fmt.Errorf("prepare: %w", err)
	}
	if data.UploadID == "" || data.ObjectToken == "" {
		return transfer.UploadSession{}, fmt.Errorf("prepare: incomplete session %+v", data)
	}
	return transfer.UploadSession{
		UploadID: data.UploadID,
		ObjectID: data.ObjectToken,
		VHID:     data.VHID,
		Grant:    req.Grant,
	}, nil
}

// UploadBlock sends one block. data is copied into the request before return.
func (c *Client) UploadBlock(ctx context.Context, session transfer.UploadSession, block transfer.Block, data []byte) error {
	q := url.Values{}
	q.Set("upload_id", session.UploadID)
	q.Set("seq", strconv.Itoa(block.Seq))
	q.Set("size", strconv.FormatInt(block.Size, 10))
	q.Set("checksum", block.Checksum)

	endpoint := c.resolve(c.block, "space/api/box/stream/upload/block", q)
	return c.call(ctx, http.MethodPost, endpoint, bytes.Clone(data), nil)
}

type boxFinishBody struct {
	UploadID           string `json:"upload_id"`
	NumBlocks          int    `json:"num_blocks"`
	VHID               string `json:"mount_point_vhid"`
	RiskDetectionExtra string `json:"risk_detection_extra"`
}

type minutesFinishBody struct {
	UploadToken     string `json:"upload_token"`
	VHID            string `json:"vhid"`
	ObjectToken     string `json:"object_token"`
	AutoTranscribe  bool   `json:"auto_transcribe"`
	Language        string `json:"language"`
	NumSpeakers     int    `json:"num_speakers"`
	IsMultiLanguage bool   `json:"is_multi_language"`
}

// Finish commits the blocks and then starts processing.
func (c *Client) Finish(ctx context.Context, session transfer.UploadSession, numBlocks int) error {
	extra, err := json.Marshal(map[string]any{
		"source_terminal":    1,
		"file_operate_usage": 3,
		"locale":             c.opts.Language,
	})
	if err != nil {
		return err
	}
	box := boxFinishBody{
		UploadID:           session.UploadID,
		NumBlocks:          numBlocks,
		VHID:               session.VHID,
		RiskDetectionExtra: string(extra),
	}
	if err := c.call(ctx, http.MethodPost, c.resolve(c.block, "space/api/box/upload/finish/", nil), box, nil); err != nil {
		return fmt.Errorf("box finish: %w", err)
	}

	fin := minutesFinishBody{
		UploadToken:     session.Grant.Token,
		VHID:            session.VHID,
		ObjectToken:     session.ObjectID,
		AutoTranscribe:  true,
		Language:        "mixed",
		NumSpeakers:     0,
		IsMultiLanguage: true,
	}
	if err := c.call(ctx, http.MethodPost, c.resolve(c.base, "upload/finish", nil), fin, nil); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

type batchStatusData struct {
	Status []struct {
		ObjectToken        string `json:"object_token"`
		ObjectStatus       int    `json:"object_status"`
		TranscriptProgress struct {
			Current json.RawMessage `json:"current"`
		} `json:"transcript_progress"`
	} `json:"status"`
}

const objectStatusReady = 2

func emptyProgress(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == `""` || s == "null"
}

// Status reports whether the uploaded object finished processing.
func (c *Client) Status(ctx context.Context, session transfer.UploadSession) (transfer.ProcessingStatus, error) {
	q := url.Values{}
	q.Set("object_token[]", session.ObjectID)
	q.Set("language", c.opts.Language)

	var data batchStatusData
	if err := c.call(ctx, http.MethodGet, c.resolve(c.base, "batch-status", q), nil, &data); err != nil {
		return transfer.ProcessingStatus{}, fmt.Errorf("batch-status: %w", err)
	}
	for _, st := range data.Status {
		if st.ObjectToken != "" && st.ObjectToken != session.ObjectID {
			continue
		}
		done := st.ObjectStatus == objectStatusReady || emptyProgress(st.TranscriptProgress.Current)
		return transfer.ProcessingStatus{Done: done}, nil
	}
	return transfer.ProcessingStatus{}, nil
}
