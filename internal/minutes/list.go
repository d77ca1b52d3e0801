package minutes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

type minute struct {
	ObjectToken string      `json:"object_token"`
	ObjectType  int         `json:"object_type"`
	Topic       string      `json:"topic"`
	CreateTime  json.Number `json:"create_time"`
	StartTime   json.Number `json:"start_time"`
	StopTime    json.Number `json:"stop_time"`
	ShareTime   json.Number `json:"share_time"`
}

type listPage struct {
	List    *[]minute `json:"list"`
	HasMore bool      `json:"has_more"`
}

func millis(n json.Number) time.Time {
	if n == "" {
		return time.Time{}
	}
	v, err := n.Int64()
	if err != nil || v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (m minute) item() models.RemoteItem {
	created := millis(m.CreateTime)
	completed := millis(m.StopTime)
	if completed.IsZero() {
		completed = created
	}
	return models.RemoteItem{
		Identifier:  m.ObjectToken,
		Kind:        models.ItemKind(m.ObjectType),
		Title:       m.Topic,
		CreatedAt:   created,
		StartedAt:   millis(m.StartTime),
		CompletedAt: completed,
	}
}

// Pager walks the listing one page at a time, newest first. It is finite and
// a fresh Pager restarts from the top.
type Pager struct {
	c      *Client
	cursor string
	pages  int
	done   bool
}

// Pages returns a pager positioned at the newest item.
func (c *Client) Pages() *Pager {
	return &Pager{c: c}
}

// Next fetches the next page. It returns ok=false once the listing is exhausted.
func (p *Pager) Next(ctx context.Context) (items []models.RemoteItem, ok bool, err error) {
	if p.done {
		return nil, false, nil
	}
	if p.pages >= maxPages {
		p.done = true
		return nil, false, fmt.Errorf("listing exceeded %d pages", maxPages)
	}

	q := url.Values{}
	q.Set("size", strconv.Itoa(p.c.opts.PageSize))
	q.Set("space_name", strconv.Itoa(p.c.opts.Space))
	if p.cursor != "" {
		q.Set("timestamp", p.cursor)
	}

	var page listPage
	if err := p.c.call(ctx, http.MethodGet, p.c.resolve(p.c.base, "space/list", q), nil, &page); err != nil {
		p.done = true
		return nil, false, err
	}
	if page.List == nil {
		p.done = true
		return nil, false, ErrSessionExpired
	}
	p.pages++

	list := *page.List
	items = make([]models.RemoteItem, 0, len(list))
	for _, m := range list {
		if m.ObjectToken == "" {
			continue
		}
		items = append(items, m.item())
	}

	next := ""
	if len(list) > 0 {
		next = list[len(list)-1].ShareTime.String()
	}
	if !page.HasMore || len(list) == 0 || next == "" || next == p.cursor {
		p.done = true
	}
	p.cursor = next
	return items, true, nil
}

// List returns every item in the configured space, oldest first.
func (c *Client) List(ctx context.Context) ([]models.RemoteItem, error) {
	var all []models.RemoteItem
	seen := make(map[string]struct{})
	pager := c.Pages()
	for {
		items, ok, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		for _, it := range items {
			if _, dup := seen[it.Identifier]; dup {
				continue
			}
			seen[it.Identifier] = struct{}{}
			all = append(all, it)
		}
	}
	slices.Reverse(all)
	c.log.Debug().Int("items", len(all)).Msg("listed remote items")
	return all, nil
}

// Usage is not reported by the minutes service.
func (c *Client) Usage(ctx context.Context) (models.UsageSample, error) {
	return models.UsageSample{}, ErrUsageUnsupported
}
