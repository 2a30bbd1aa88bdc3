package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

func childFor(t *testing.T, srv *httptest.Server, name string) *coordtypes.ChildProcess {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse %s: %v", srv.URL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return &coordtypes.ChildProcess{
		Profile: coordtypes.AuthProfile{Name: name},
		Ports:   coordtypes.ChildPorts{APIPort: port},
	}
}

func TestForwardCompletionRelaysSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := ForwardCompletion(context.Background(), childFor(t, srv, "c"), []byte(`{}`), time.Second)
	if err != nil {
		t.Fatalf("ForwardCompletion: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestForwardCompletionRetryableOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := ForwardCompletion(context.Background(), childFor(t, srv, "c"), []byte(`{}`), time.Second)
	var cre *ChildRequestError
	if !errors.As(err, &cre) || !cre.Retryable {
		t.Fatalf("expected retryable ChildRequestError, got %v", err)
	}
}

func TestForwardCompletionNonRetryableOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"bad"}`))
	}))
	defer srv.Close()

	resp, err := ForwardCompletion(context.Background(), childFor(t, srv, "c"), []byte(`{}`), time.Second)
	if err != nil {
		t.Fatalf("expected non-retryable status to be relayed, not erred: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 relayed verbatim, got %d", resp.StatusCode)
	}
}

func TestForwardCompletionTransportErrorIsRetryable(t *testing.T) {
	dead := &coordtypes.ChildProcess{
		Profile: coordtypes.AuthProfile{Name: "dead"},
		Ports:   coordtypes.ChildPorts{APIPort: 1}, // nothing listens on port 1
	}
	_, err := ForwardCompletion(context.Background(), dead, []byte(`{}`), 500*time.Millisecond)
	var cre *ChildRequestError
	if !errors.As(err, &cre) || !cre.Retryable {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestBroadcastCancelMixedOutcome(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fail.Close()

	children := []*coordtypes.ChildProcess{
		childFor(t, ok, "OK"),
		childFor(t, fail, "FAIL"),
	}

	result := BroadcastCancel(context.Background(), children, "req-1", time.Second)
	if !result.Success {
		t.Fatal("expected success: at least one responder returned 200")
	}
	if len(result.Responders) != 1 || result.Responders[0] != "OK" {
		t.Fatalf("expected completed=[OK], got %v", result.Responders)
	}
	if len(result.Failures) != 1 || result.Failures[0] != "FAIL" {
		t.Fatalf("expected failed=[FAIL], got %v", result.Failures)
	}
}

func TestBroadcastCancelAllFail(t *testing.T) {
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fail.Close()

	children := []*coordtypes.ChildProcess{childFor(t, fail, "FAIL")}
	result := BroadcastCancel(context.Background(), children, "req-1", time.Second)
	if result.Success {
		t.Fatal("expected success=false when no child responds 200")
	}
}
