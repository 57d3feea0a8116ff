package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/resilience"
)

// doJSON performs a JSON request through the resilient HTTP client and decodes
// the response body into out. Non-2xx responses are returned alongside the
// decoded body so callers can classify provider rejections.
func doJSON(ctx context.Context, cl resilience.HTTPClient, method, url string, headers map[string]string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := cl.Do(ctx, req)
	if err != nil {
		return 0, common.ProviderTransientError("provider unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, common.ProviderTransientError("provider response truncated", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, common.ProviderTransientError(
				fmt.Sprintf("provider returned malformed body (%d)", resp.StatusCode), err)
		}
	}
	return resp.StatusCode, nil
}
