package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// PushDispatcher forwards driver-facing ride events to a push gateway
// (an FCM-style HTTP endpoint) for drivers without a live session.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	Message pushMessage `json:"message"`
}

type pushMessage struct {
	Topic string            `json:"topic"`
	Data  map[string]string `json:"data"`
}

func (p *PushDispatcher) Publish(ctx context.Context, ev models.RideEvent) error {
	if ev.DriverID == "" {
		return nil
	}
	body := pushBody{Message: pushMessage{
		Topic: "driver-" + ev.DriverID,
		Data: map[string]string{
			"type":    string(ev.Type),
			"ride_id": ev.RideID,
			"status":  string(ev.Status),
		},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push %s: gateway returned %d", ev.Type, resp.StatusCode)
	}
	return nil
}
