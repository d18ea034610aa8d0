package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu            sync.Mutex
	notifications []Notification
	resyncs       int
	lost          int
}

func (h *recordingHandler) SessionChanged(notification Notification) {
	h.mu.Lock()
	h.notifications = append(h.notifications, notification)
	h.mu.Unlock()
}

func (h *recordingHandler) Resync() {
	h.mu.Lock()
	h.resyncs++
	h.mu.Unlock()
}

func (h *recordingHandler) SubscriptionsLost() {
	h.mu.Lock()
	h.lost++
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() ([]Notification, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notifications...), h.resyncs, h.lost
}

func TestSubscriberDispatchesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"connectionId\":\"conn-1\"}\n\n")
		fmt.Fprint(w, ": comment\n\n")
		fmt.Fprint(w, "event: session-change\ndata: {\"sessionRef\":{\"scid\":\"s\",\"templateName\":\"t\",\"name\":\"n\"},\"changeNumber\":5}\n\n")
		fmt.Fprint(w, "event: resync\ndata: {}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	handler := &recordingHandler{}
	subscriber, err := NewSubscriber(SubscriberConfig{
		BaseURL:     server.URL,
		Credentials: Credentials{Token: "token-1"},
		Handler:     handler,
	})
	if err != nil {
		t.Fatalf("failed to construct subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- subscriber.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	connectionID, err := subscriber.WaitConnected(waitCtx)
	if err != nil || connectionID != "conn-1" {
		t.Fatalf("expected connection id, got %q (%v)", connectionID, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		notifications, resyncs, _ := handler.snapshot()
		if len(notifications) == 1 && resyncs == 1 {
			if notifications[0].ChangeNumber != 5 || notifications[0].Reference.SessionName != "n" {
				t.Fatalf("unexpected notification %#v", notifications[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events: %d notifications, %d resyncs", len(notifications), resyncs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestSubscriberReportsSubscriptionsLost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	handler := &recordingHandler{}
	subscriber, err := NewSubscriber(SubscriberConfig{
		BaseURL:        server.URL,
		Handler:        handler,
		ReconnectDelay: time.Millisecond,
		MaxReconnects:  2,
	})
	if err != nil {
		t.Fatalf("failed to construct subscriber: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := subscriber.Run(ctx); !errors.Is(err, ErrSubscriptionsLost) {
		t.Fatalf("expected subscriptions lost, got %v", err)
	}
	if _, _, lost := handler.snapshot(); lost != 1 {
		t.Fatalf("expected exactly one lost signal, got %d", lost)
	}
}

func TestSubscriberIgnoresEmptyConnectionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"connectionId\":\"\"}\n\n")
		fmt.Fprint(w, "event: connected\ndata: {\"connectionId\":\"conn-2\"}\n\n")
		fmt.Fprint(w, "event: connected\ndata: {\"connectionId\":\"conn-2\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	subscriber, err := NewSubscriber(SubscriberConfig{
		BaseURL: server.URL,
		Handler: &recordingHandler{},
	})
	if err != nil {
		t.Fatalf("failed to construct subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- subscriber.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	connectionID, err := subscriber.WaitConnected(waitCtx)
	if err != nil || connectionID != "conn-2" {
		t.Fatalf("expected the first non-empty connection id, got %q (%v)", connectionID, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
