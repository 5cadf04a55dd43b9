package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher posts notifications to a push provider's HTTP endpoint for
// users that have no live connection.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	UserID string `json:"user_id"`
	Event  string `json:"event"`
	Data   any    `json:"data"`
}

func (p *PushDispatcher) Push(ctx context.Context, userID, event string, payload any) error {
	b, err := json.Marshal(pushBody{UserID: userID, Event: event, Data: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
