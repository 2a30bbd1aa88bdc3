// Package health polls a child's /health endpoint until it reports
// ready or a deadline elapses.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

const pollInterval = 1 * time.Second

var probeClient = &http.Client{Timeout: 5 * time.Second}

type statusBody struct {
	Status string `json:"status"`
}

// WaitForReady polls child's health endpoint every second until it
// reports {"status":"OK"} or timeout elapses. It never returns an
// error: individual attempt failures (transport, decode, non-200) are
// swallowed and simply retried. On success it flips child.SetReady(true)
// before returning true.
func WaitForReady(ctx context.Context, child *coordtypes.ChildProcess, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", child.Ports.APIPort)

	for {
		if probeOnce(ctx, url) {
			child.SetReady(true)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "OK"
}
