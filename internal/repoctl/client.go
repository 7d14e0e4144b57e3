package repoctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"repod/pkg/types"
)

// Client talks to a repod server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the given server address.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Index fetches the repository index, optionally restricted to READY rows.
func (c *Client) Index(ctx context.Context, onlyReady bool) (*types.RepositoryIndexResponse, error) {
	body, _ := json.Marshal(map[string]bool{"ready": onlyReady})
	var out types.RepositoryIndexResponse
	if err := c.do(ctx, http.MethodPost, "/v2/repository/index", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Load requests an explicit model load.
func (c *Client) Load(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v2/repository/models/"+url.PathEscape(name)+"/load", "", nil, nil)
}

// Unload requests an explicit model unload.
func (c *Client) Unload(ctx context.Context, name string, dependents bool) error {
	body, _ := json.Marshal(types.UnloadRequest{UnloadDependents: dependents})
	return c.do(ctx, http.MethodPost, "/v2/repository/models/"+url.PathEscape(name)+"/unload", "", body, nil)
}

// Ready reports whether a model (or one specific version) is ready.
func (c *Client) Ready(ctx context.Context, name string, version int64, namespace string) (bool, error) {
	path := "/v2/models/" + url.PathEscape(name)
	if version > 0 {
		path += "/versions/" + strconv.FormatInt(version, 10)
	}
	path += "/ready"
	err := c.do(ctx, http.MethodGet, path, namespace, nil, nil)
	if err == nil {
		return true, nil
	}
	var se *ServerError
	if asServerError(err, &se) && se.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Metadata fetches model metadata.
func (c *Client) Metadata(ctx context.Context, name, namespace string) (*types.ModelMetadata, error) {
	var out types.ModelMetadata
	if err := c.do(ctx, http.MethodGet, "/v2/models/"+url.PathEscape(name), namespace, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches per-version inference counters.
func (c *Client) Stats(ctx context.Context, name string, version int64, namespace string) (*types.ModelStatsResponse, error) {
	path := "/v2/models/" + url.PathEscape(name)
	if version > 0 {
		path += "/versions/" + strconv.FormatInt(version, 10)
	}
	path += "/stats"
	var out types.ModelStatsResponse
	if err := c.do(ctx, http.MethodGet, path, namespace, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Infer runs one inference request.
func (c *Client) Infer(ctx context.Context, name string, version int64, namespace string, req *types.InferRequest) (*types.InferResponse, error) {
	path := "/v2/models/" + url.PathEscape(name)
	if version > 0 {
		path += "/versions/" + strconv.FormatInt(version, 10)
	}
	path += "/infer"
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out types.InferResponse
	if err := c.do(ctx, http.MethodPost, path, namespace, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServerError carries the server's JSON error payload.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func asServerError(err error, target **ServerError) bool {
	se, ok := err.(*ServerError)
	if ok {
		*target = se
	}
	return ok
}

func (c *Client) do(ctx context.Context, method, path, namespace string, body []byte, out any) error {
	u := c.baseURL + path
	if namespace != "" {
		u += "?namespace=" + url.QueryEscape(namespace)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er types.ErrorResponse
		msg := resp.Status
		if b, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); rerr == nil && len(b) > 0 {
			if jerr := json.Unmarshal(b, &er); jerr == nil && er.Error != "" {
				msg = er.Error
			} else {
				msg = strings.TrimSpace(string(b))
			}
		}
		return &ServerError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
