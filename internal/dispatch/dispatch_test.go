package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/models"
)

func TestWSRegistryPublishesToDriver(t *testing.T) {
	reg := NewWSRegistry()
	ready := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("B", conn)
		close(ready)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-ready

	ctx := context.Background()
	if err := reg.Publish(ctx, models.RideEvent{Type: models.EventRideConfirmed, RideID: "R1", DriverID: "A"}); err != nil {
		t.Fatalf("publish to absent driver should be skipped, got %v", err)
	}
	ev := models.RideEvent{Type: models.EventRideConfirmed, RideID: "R1", DriverID: "B", Status: models.RideConfirmed}
	if err := reg.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type    string           `json:"type"`
		Payload models.RideEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != MessageRideEvent || got.Payload.RideID != "R1" || got.Payload.Status != models.RideConfirmed {
		t.Fatalf("message = %+v", got)
	}
	if err := reg.Notify("nobody", Message{Type: MessageError}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPushDispatcherPostsEvent(t *testing.T) {
	type received struct {
		auth string
		body pushBody
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec received
		rec.auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&rec.body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- rec
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPushDispatcher(srv.URL, "secret")
	ev := models.RideEvent{Type: models.EventRideConfirmed, RideID: "R1", DriverID: "B", Status: models.RideConfirmed}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rec := <-got
	if rec.auth != "Bearer secret" || rec.body.Message.Topic != "driver-B" || rec.body.Message.Data["ride_id"] != "R1" {
		t.Fatalf("unexpected push: %+v", rec)
	}
}

func TestPushDispatcherReportsGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPushDispatcher(srv.URL, "")
	err := p.Publish(context.Background(), models.RideEvent{Type: models.EventRideCancelled, RideID: "R1", DriverID: "B"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if err := p.Publish(context.Background(), models.RideEvent{RideID: "R1"}); err != nil {
		t.Fatalf("events without a driver are skipped, got %v", err)
	}
}
