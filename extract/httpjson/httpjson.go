// Package httpjson extracts datasets from JSON HTTP APIs.
//
// Descriptor:
//
//	{"url": "https://api.example.com/v1/prices", "rows_path": "data", "kind": "table"}
//
// Credentials, when present, are sent as a bearer token.
package httpjson

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/extract"
	"github.com/teranos/cachet/internal/httpclient"
)

// Origin is the origin name this backend registers under
const Origin = "httpjson"

// MaxBodyBytes caps a response body
const MaxBodyBytes = 64 << 20

// Descriptor is the request an httpjson cache key stands for
type Descriptor struct {
	URL      string            `json:"url"`
	RowsPath string            `json:"rows_path,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Backend fetches JSON over HTTP through the SSRF-checked client
type Backend struct {
	client *httpclient.SaferClient
}

// New creates a backend using client
func New(client *httpclient.SaferClient) *Backend {
	return &Backend{client: client}
}

// RegisterDefaults registers the backend for every kind of the httpjson origin
func RegisterDefaults(r *extract.Registry) {
	r.Register(extract.Tag{Origin: Origin}, func(env extract.Env) (extract.Backend, error) {
		if env.HTTP == nil {
			return nil, errors.New("httpjson backend needs an HTTP client")
		}
		return New(env.HTTP), nil
	})
}

// Fetch implements extract.Backend
func (b *Backend) Fetch(ctx context.Context, req extract.Request) (*extract.Dataset, error) {
	desc, err := parseDescriptor(req.Descriptor)
	if err != nil {
		return nil, err
	}

	u, err := b.client.ValidateURL(desc.URL)
	if err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "invalid url")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range desc.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Credentials != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credentials)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	if len(body) > MaxBodyBytes {
		return nil, errors.Newf("response body exceeds %d bytes", MaxBodyBytes)
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("%s returned HTTP %d", u.Host, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			// Server side trouble is worth another attempt
			err = errors.Wrap(err, "upstream connection trouble")
		}
		return nil, err
	}

	rows, err := extract.RowsFromJSON(body, desc.RowsPath)
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = extract.InferKind(rows)
	}
	return &extract.Dataset{
		Kind:    kind,
		Columns: extract.ColumnsOf(rows),
		Rows:    rows,
	}, nil
}

func parseDescriptor(raw json.RawMessage) (Descriptor, error) {
	var d Descriptor
	if err := sonic.Unmarshal(raw, &d); err != nil {
		return d, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "invalid httpjson descriptor")
	}
	if d.URL == "" {
		return d, errors.NewInvalidRequestError("httpjson descriptor needs a url")
	}
	return d, nil
}
