package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rulecore/pkg/tracing"
)

// APIProvider fetches a JSON object over HTTP. A 404 is a missing record.
type APIProvider struct {
	client *http.Client
}

func NewAPIProvider(timeout time.Duration) *APIProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIProvider{client: tracing.HTTPClient(timeout)}
}

func (p *APIProvider) Name() string { return "api" }

func (p *APIProvider) Validate(src Source) error {
	if src.URL == "" {
		return fmt.Errorf("api source requires a url")
	}
	switch src.Method {
	case "", http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("unsupported api method %q", src.Method)
	}
	return nil
}

func (p *APIProvider) Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error) {
	method := src.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, substitute(src.URL, key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range src.Headers {
		req.Header.Set(k, substitute(v, key))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, errNoRecord
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api returned status: %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
