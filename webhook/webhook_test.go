package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpNotifyDoesNotPanic(t *testing.T) {
	var n Notifier = NoOp{}
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), "http://example.invalid", Payload{WorkflowID: "wf-1"})
	})
}

func TestHTTPNotifierDeliversOnFirstSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(Config{MaxRetries: 2, BaseDelay: time.Millisecond})
	n.Notify(context.Background(), srv.URL, Payload{WorkflowID: "wf-2", State: "Completed"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPNotifierRetriesTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(Config{MaxRetries: 3, BaseDelay: time.Millisecond})
	n.Notify(context.Background(), srv.URL, Payload{WorkflowID: "wf-3", State: "Completed"})

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestHTTPNotifierDoesNotRetryPermanentFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(Config{MaxRetries: 3, BaseDelay: time.Millisecond})
	n.Notify(context.Background(), srv.URL, Payload{WorkflowID: "wf-4", State: "Failed"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPNotifierGivesUpAfterMaxRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(Config{MaxRetries: 2, BaseDelay: time.Millisecond})
	n.Notify(context.Background(), srv.URL, Payload{WorkflowID: "wf-5", State: "Completed"})

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits)) // 1 initial + 2 retries
}

func TestHTTPNotifierStopsOnContextCancellation(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n := NewHTTPNotifier(Config{MaxRetries: 5, BaseDelay: 50 * time.Millisecond})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		n.Notify(ctx, srv.URL, Payload{WorkflowID: "wf-6"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify did not return after context cancellation")
	}
	require.True(t, atomic.LoadInt32(&hits) < 6)
}
