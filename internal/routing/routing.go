// Package routing forwards OpenAI-compatible requests to a chosen
// child and broadcasts cancellation across the pool.
package routing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

// ChildRequestError is returned for every failed outbound call to a
// child. Retryable errors (transport failure, 5xx) cause the HTTP
// surface to mark the child unhealthy and retry the next one.
type ChildRequestError struct {
	Child     string
	Message   string
	Retryable bool
}

func (e *ChildRequestError) Error() string {
	return fmt.Sprintf("child %s: %s", e.Child, e.Message)
}

var httpClient = &http.Client{}

// ChildResponse carries a relayable response: status, headers, and
// the raw body bytes.
type ChildResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ForwardCompletion POSTs payload to the child's
// /v1/chat/completions endpoint.
func ForwardCompletion(ctx context.Context, child *coordtypes.ChildProcess, payload []byte, timeout time.Duration) (*ChildResponse, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", child.Ports.APIPort)
	return doForward(ctx, child, http.MethodPost, url, payload, timeout)
}

// ForwardModels GETs the child's /v1/models endpoint.
func ForwardModels(ctx context.Context, child *coordtypes.ChildProcess, timeout time.Duration) (*ChildResponse, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/models", child.Ports.APIPort)
	return doForward(ctx, child, http.MethodGet, url, nil, timeout)
}

func doForward(ctx context.Context, child *coordtypes.ChildProcess, method, url string, body []byte, timeout time.Duration) (*ChildResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, &ChildRequestError{Child: child.Profile.Name, Message: err.Error(), Retryable: true}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &ChildRequestError{Child: child.Profile.Name, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ChildRequestError{Child: child.Profile.Name, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 500 {
		return nil, &ChildRequestError{
			Child:     child.Profile.Name,
			Message:   fmt.Sprintf("upstream returned %d", resp.StatusCode),
			Retryable: true,
		}
	}

	return &ChildResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// BroadcastCancel POSTs /v1/cancel/{reqID} to every child concurrently.
// success is true iff at least one child responded 200.
func BroadcastCancel(ctx context.Context, children []*coordtypes.ChildProcess, reqID string, timeout time.Duration) coordtypes.CancelResult {
	var mu sync.Mutex
	var wg sync.WaitGroup
	result := coordtypes.CancelResult{}

	for _, c := range children {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := cancelOne(ctx, c, reqID, timeout)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				result.Responders = append(result.Responders, c.Profile.Name)
			} else {
				result.Failures = append(result.Failures, c.Profile.Name)
			}
		}()
	}
	wg.Wait()

	result.Success = len(result.Responders) > 0
	return result
}

func cancelOne(ctx context.Context, child *coordtypes.ChildProcess, reqID string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/cancel/%s", child.Ports.APIPort, reqID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
