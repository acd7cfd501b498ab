package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dpm-go/internal/dpm"
)

const defaultTimeout = 30 * time.Second

// HTTPRemote talks to the sync endpoints of a `dpm serve` instance.
type HTTPRemote struct {
	base   *url.URL
	client *http.Client
}

var _ dpm.Remote = (*HTTPRemote)(nil)

// NewHTTPRemote creates a remote for the server at rawURL. A nil client
// uses one with a 30s timeout.
func NewHTTPRemote(rawURL string, client *http.Client) (*HTTPRemote, error) {
	u, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q must be http or https", rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPRemote{base: u, client: client}, nil
}

func (r *HTTPRemote) endpoint(p string, query url.Values) string {
	u := *r.base
	u.Path = u.Path + p
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *HTTPRemote) Manifest(ctx context.Context) (map[string]dpm.FileEdit, error) {
	body, err := r.do(ctx, http.MethodGet, r.endpoint(ManifestPath, nil), nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var manifest map[string]dpm.FileEdit
	if err := json.NewDecoder(body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest == nil {
		manifest = map[string]dpm.FileEdit{}
	}
	return manifest, nil
}

func (r *HTTPRemote) Fetch(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	q := url.Values{"version": {version.String()}}
	body, err := r.do(ctx, http.MethodGet, r.endpoint(HistoryPath+filename, q), nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", filename, version, err)
	}
	return data, nil
}

func (r *HTTPRemote) Commit(ctx context.Context, changes []dpm.Change) (map[string]dpm.Version, error) {
	payload, err := json.Marshal(SyncRequest{Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("encoding changes: %w", err)
	}
	body, err := r.do(ctx, http.MethodPost, r.endpoint(SyncPath, nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp SyncResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	return resp.Versions, nil
}

// do sends the request and returns the body of a 2xx response. Error
// responses are decoded back into domain errors.
func (r *HTTPRemote) do(ctx context.Context, method, target string, body io.Reader) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	var er ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &er); err != nil || er.Kind == "" {
		return nil, fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(data)))
	}
	return nil, er.Err()
}
