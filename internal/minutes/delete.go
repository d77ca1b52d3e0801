package minutes

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

func (c *Client) delete(ctx context.Context, identifier string, destroy bool) error {
	q := url.Values{}
	q.Set("object_tokens", identifier)
	q.Set("is_destroyed", strconv.FormatBool(destroy))
	q.Set("language", c.opts.Language)
	return c.call(ctx, http.MethodPost, c.resolve(c.base, "space/delete", q), nil, nil)
}

// SoftDelete moves an item to the recycle bin.
func (c *Client) SoftDelete(ctx context.Context, identifier string) error {
	return c.delete(ctx, identifier, false)
}

// Destroy permanently removes an item from the recycle bin.
func (c *Client) Destroy(ctx context.Context, identifier string) error {
	return c.delete(ctx, identifier, true)
}
