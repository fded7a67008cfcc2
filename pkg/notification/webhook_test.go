package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/model"
)

func fastNotifier() *JobNotifier {
	n := NewJobNotifier()
	n.backoff = time.Millisecond
	return n
}

func terminalJob(webhookURL string) *model.GenerationJob {
	now := time.Now()
	return &model.GenerationJob{
		ID:         "job-1",
		ProductID:  "sofa-oslo",
		Materials:  []string{"leather-tan"},
		Priority:   model.PriorityHigh,
		Status:     model.JobStatusCompleted,
		Progress:   100,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// A terminal job snapshot is delivered as JSON with one request.
func TestNotifyJobTerminal_DeliversSnapshot(t *testing.T) {
	var calls int32
	var gotBody []byte
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotAgent = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := terminalJob(srv.URL)
	err := fastNotifier().NotifyJobTerminal(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "Atelier/1.0", gotAgent)

	var decoded model.GenerationJob
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, model.JobStatusCompleted, decoded.Status)
	assert.Equal(t, 100, decoded.Progress)
}

// Transient server errors are retried until a 2xx lands.
func TestNotifyJobTerminal_RetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := fastNotifier().NotifyJobTerminal(context.Background(), terminalJob(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// A webhook that never recovers exhausts the attempt budget and reports it.
func TestNotifyJobTerminal_ExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastNotifier().NotifyJobTerminal(context.Background(), terminalJob(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// Jobs submitted without a callback URL are skipped silently.
func TestNotifyJobTerminal_NoURLIsNoop(t *testing.T) {
	notifier := fastNotifier()
	assert.NoError(t, notifier.NotifyJobTerminal(context.Background(), terminalJob("")))
	assert.NoError(t, notifier.NotifyJobTerminal(context.Background(), nil))
}

// Context cancellation stops the retry loop between attempts.
func TestNotifyJobTerminal_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewJobNotifier()
	n.backoff = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.NotifyJobTerminal(ctx, terminalJob(srv.URL))
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("notifier did not observe cancellation")
	}
}
