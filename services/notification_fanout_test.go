package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostWebhook(t *testing.T) {
	received := make(chan map[string]string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("webhook method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode webhook payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewNotificationFanout(nil, nil, srv.URL)
	defer f.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.postWebhook(ctx, &fanoutJob{
		ChallengeID: "ch-123",
		ActorID:     "u1",
		Title:       "Challenge update",
		Body:        "Ana just scored 8.0",
	})

	select {
	case payload := <-received:
		if payload["challengeId"] != "ch-123" {
			t.Errorf("challengeId = %q, want ch-123", payload["challengeId"])
		}
		if payload["message"] != "Ana just scored 8.0" {
			t.Errorf("message = %q", payload["message"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestPostWebhookDisabledWithoutEndpoint(t *testing.T) {
	f := NewNotificationFanout(nil, nil, "")
	defer f.Stop()

	// Must return without dialing anything.
	f.postWebhook(context.Background(), &fanoutJob{ChallengeID: "ch-1"})
}

func TestMockPushProviderRecordsCalls(t *testing.T) {
	mock := &MockPushProvider{}

	tokens := []string{"tok-a", "tok-b"}
	if err := mock.SendPush(context.Background(), tokens, "title", "body", nil); err != nil {
		t.Fatalf("mock SendPush returned error: %v", err)
	}

	if len(mock.Calls) != 1 || len(mock.Calls[0]) != 2 {
		t.Errorf("Calls = %v, want one call with two tokens", mock.Calls)
	}
}

func TestFanoutStopDrainsWorkers(t *testing.T) {
	f := NewNotificationFanout(nil, nil, "")

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
