// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/invigileye/invigil/internal/tracing"
)

// DefaultServerURL is the daemon address used when neither --server nor
// INVIGIL_URL is set.
const DefaultServerURL = "http://127.0.0.1:5001"

// ServerURLEnv overrides the daemon address.
const ServerURLEnv = "INVIGIL_URL"

// requestTimeout bounds a single API call. Stop requests can wait for the
// whole escalation, so this is well above the default stop timeout.
const requestTimeout = 60 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// ServerURL resolves the daemon base URL: --server, then INVIGIL_URL, then
// the default.
func ServerURL() string {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/")
	}
	if env := os.Getenv(ServerURLEnv); env != "" {
		return strings.TrimRight(env, "/")
	}
	return DefaultServerURL
}

// BuildAPIURL constructs a full API URL with query parameters
func BuildAPIURL(path string, params map[string]string) string {
	baseURL := ServerURL()

	u, err := url.Parse(baseURL + path)
	if err != nil {
		return baseURL + path
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// newHTTPClient returns a client that stamps every request with the
// context's correlation ID so CLI calls can be found in the daemon log.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: &tracing.CorrelationRoundTripper{Transport: http.DefaultTransport},
	}
}

// MakeAPIRequest makes an HTTP request to the daemon API. A non-nil body is
// sent as JSON. Error responses are returned as *APIError.
func MakeAPIRequest(ctx context.Context, method, url string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	if tracing.FromContext(ctx) == "" {
		ctx = tracing.ToContext(ctx, tracing.NewCorrelationID())
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "invigil-cli/"+version)

	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return nil, NewUnavailableError(fmt.Sprintf("cannot reach daemon at %s", ServerURL()), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Code = parsed.Code
		}
		return nil, apiErr
	}

	return respBody, nil
}

// APIGet issues a GET and decodes the response into v.
func APIGet(ctx context.Context, path string, params map[string]string, v any) error {
	data, err := MakeAPIRequest(ctx, http.MethodGet, BuildAPIURL(path, params), nil)
	if err != nil {
		return err
	}
	return decode(data, v)
}

// APISend issues method with body and decodes the response into v.
func APISend(ctx context.Context, method, path string, body, v any) error {
	data, err := MakeAPIRequest(ctx, method, BuildAPIURL(path, nil), body)
	if err != nil {
		return err
	}
	return decode(data, v)
}

func decode(data []byte, v any) error {
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// OpenStream opens a long-lived GET such as the event stream. The caller
// closes the body; cancelling ctx ends the stream.
func OpenStream(ctx context.Context, path string, params map[string]string) (io.ReadCloser, error) {
	if tracing.FromContext(ctx) == "" {
		ctx = tracing.ToContext(ctx, tracing.NewCorrelationID())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildAPIURL(path, params), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", "invigil-cli/"+version)

	client := &http.Client{Transport: &tracing.CorrelationRoundTripper{Transport: http.DefaultTransport}}
	resp, err := client.Do(req)
	if err != nil {
		return nil, NewUnavailableError(fmt.Sprintf("cannot reach daemon at %s", ServerURL()), err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}
