package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestLoggingNotifier_DeliversToSink(t *testing.T) {
	sink := &recordingSink{}
	n := NewLoggingNotifier(sink, nil)

	ev := Event{Kind: "escalation", Role: "A", RetryCount: 3, Timestamp: time.Now()}
	n.Notify(context.Background(), ev)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "A", sink.events[0].Role)
}

func TestLoggingNotifier_SwallowsSinkError(t *testing.T) {
	sink := &recordingSink{err: assert.AnError}
	n := NewLoggingNotifier(sink, nil)

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Event{Kind: "escalation"})
	})
}

func TestWebhookSink_PostsJSON(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Notify(context.Background(), Event{Kind: "project_complete", ProjectName: "acme"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestWebhookSink_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Notify(context.Background(), Event{Kind: "escalation"})
	assert.Error(t, err)
}
