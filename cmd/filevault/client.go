package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/filevault/filevault/pkg/proto"
)

// adminClient calls the /v1 API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient() *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a failed API call.
type apiError struct {
	Status int
	Resp   proto.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Resp.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Resp.Error, e.Status, e.Resp.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// raw performs a request and returns the response when it succeeded.
func (c *adminClient) raw(method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.baseURL, err)
	}
	if resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Resp)
		return nil, apiErr
	}
	return resp, nil
}

// do performs a JSON request and decodes the response into out.
func (c *adminClient) do(method, path string, in, out any) error {
	resp, err := c.raw(method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
