package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/cast"

	"github.com/agentxhq/agentrun/types"
)

// HTTPDriver serves REST-style connectors. The target is the base URL, the
// operation is "METHOD /path" (for example "GET /v1/forecast") and the
// payload supplies "query" parameters, "headers" and an optional JSON "body".
type HTTPDriver struct {
	client *http.Client
}

func NewHTTPDriver(client *http.Client) *HTTPDriver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDriver{client: client}
}

func (d *HTTPDriver) Type() string {
	return "http"
}

func (d *HTTPDriver) Open(ctx context.Context, target string, creds Credentials) (Handle, error) {
	base, err := url.Parse(target)
	if err != nil {
		return nil, types.NewPermanentError(errors.Annotatef(err, "target url %q", target))
	}
	return &httpHandle{client: d.client, base: base, creds: creds}, nil
}

type httpHandle struct {
	client *http.Client
	base   *url.URL
	creds  Credentials
}

func (h *httpHandle) Call(ctx context.Context, operation string, payload types.Data) (types.Data, error) {
	method, path, found := strings.Cut(operation, " ")
	if !found {
		path = method
		method = http.MethodGet
	}

	u := *h.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if query, exists := payload.GetData("query"); exists {
		q := u.Query()
		for k, v := range query {
			q.Set(k, cast.ToString(v))
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if raw, exists := payload.Get("body"); exists {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, types.NewPermanentError(errors.Annotatef(err, "encode body"))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, types.NewPermanentError(errors.Trace(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, exists := payload.GetData("headers"); exists {
		for k, v := range headers {
			req.Header.Set(k, cast.ToString(v))
		}
	}
	if token := h.creds["bearer_token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key := h.creds["api_key_header"]; key != "" {
		req.Header.Set(key, h.creds["api_key"])
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

	result := types.Data{"status": resp.StatusCode}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		result.Set("body", decoded)
	} else {
		result.Set("body", string(raw))
	}
	return result, nil
}

// classifyStatus maps HTTP status codes onto the failure taxonomy: 5xx and
// 429 are transient, other 4xx permanent.
func classifyStatus(code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return types.NewTransientErrorf("status %d", code)
	default:
		return types.NewPermanentErrorf("status %d", code)
	}
}

func (h *httpHandle) Close() error {
	return nil
}
