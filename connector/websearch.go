package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/juju/errors"
	"github.com/spf13/cast"

	"github.com/agentxhq/agentrun/types"
)

// WebSearchDriver serves web-search connectors against a JSON search
// endpoint. The target is the endpoint URL; the only operation is "search"
// with payload keys "query" and optional "limit".
type WebSearchDriver struct {
	client *http.Client
}

func NewWebSearchDriver(client *http.Client) *WebSearchDriver {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebSearchDriver{client: client}
}

func (d *WebSearchDriver) Type() string {
	return "websearch"
}

func (d *WebSearchDriver) Open(ctx context.Context, target string, creds Credentials) (Handle, error) {
	endpoint, err := url.Parse(target)
	if err != nil {
		return nil, types.NewPermanentError(errors.Annotatef(err, "endpoint %q", target))
	}
	return &searchHandle{client: d.client, endpoint: endpoint, creds: creds}, nil
}

type searchHandle struct {
	client   *http.Client
	endpoint *url.URL
	creds    Credentials
}

func (h *searchHandle) Call(ctx context.Context, operation string, payload types.Data) (types.Data, error) {
	if operation != "search" {
		return nil, types.NewPermanentErrorf("unknown operation %q", operation)
	}
	query, exists := payload.GetString("query")
	if !exists || query == "" {
		return nil, types.NewPermanentErrorf("payload missing query")
	}

	u := *h.endpoint
	q := u.Query()
	q.Set("q", query)
	if limit, exists := payload.GetInt("limit"); exists && limit > 0 {
		q.Set("limit", cast.ToString(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.NewPermanentError(errors.Trace(err))
	}
	if token := h.creds["api_key"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, types.NewTransientError(errors.Trace(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewTransientError(errors.Annotatef(err, "read response"))
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, errors.Trace(err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, types.NewPermanentError(errors.Annotatef(err, "decode results"))
	}
	return types.Data{"results": decoded}, nil
}

func (h *searchHandle) Close() error {
	return nil
}
