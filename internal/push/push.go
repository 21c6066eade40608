// Package push is the engine-initiated push dispatcher (§4.10): a
// fire-and-forget HTTP client that tells a session's initiator device
// about work-plan progress and turn completion. Delivery failure is
// logged and never affects Turn Engine state.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentd/agentd/internal/logging"
)

// Kind enumerates the work-plan progress signals (§4.10).
type Kind string

const (
	KindCreated   Kind = "created"
	KindNext      Kind = "next"
	KindCompleted Kind = "completed"
)

const taskTitleCap = 120

// Notification is one push payload addressed to a session's initiator
// device (§4.10).
type Notification struct {
	SessionID     string `json:"sessionId"`
	DeviceID      string `json:"deviceId"`
	SessionTitle  string `json:"sessionTitle"`
	Kind          Kind   `json:"kind"`
	StepIndex     int    `json:"stepIndex"`
	Total         int    `json:"total"`
	TaskTitle     string `json:"taskTitle,omitempty"`
}

// TruncateTaskTitle applies the §4.10 120-char-with-ellipsis cap.
func TruncateTaskTitle(title string) string {
	if len(title) <= taskTitleCap {
		return title
	}
	return title[:taskTitleCap-1] + "…"
}

// Dispatcher sends notifications to a configured HTTP endpoint,
// retrying transient failures with exponential backoff before giving
// up and logging (§6: "Push dispatcher: send(messages[]); fire-and-forget").
type Dispatcher struct {
	target string
	client *http.Client
}

func New(target string) *Dispatcher {
	return &Dispatcher{target: target, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts one notification. It never returns an error to the
// caller — the engine is expected to call it and move on; failures
// are logged here.
func (d *Dispatcher) Send(ctx context.Context, n Notification) {
	if d == nil || d.target == "" {
		return
	}
	go d.sendWithRetry(ctx, n)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, n Notification) {
	body, err := json.Marshal([]Notification{n})
	if err != nil {
		logging.Error().Err(err).Str("session", n.SessionID).Msg("push: marshal failed")
		return
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("push endpoint returned %d", resp.StatusCode))
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		logging.Error().Err(err).Str("session", n.SessionID).Str("kind", string(n.Kind)).Msg("push: delivery failed")
	}
}
