package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  *SlackConfig
		want bool
	}{
		{"nil config", nil, false},
		{"disabled", &SlackConfig{Enabled: false, WebhookURL: "https://x"}, false},
		{"enabled without webhook", &SlackConfig{Enabled: true}, false},
		{"enabled with webhook", &SlackConfig{Enabled: true, WebhookURL: "https://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.cfg).IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDisabledNotifierIsNoOp(t *testing.T) {
	n := New(nil)
	if err := n.RunStarted("run-1", 3, false); err != nil {
		t.Errorf("RunStarted: %v", err)
	}
	if err := n.RunCompleted("run-1", 100, 0, time.Second); err != nil {
		t.Errorf("RunCompleted: %v", err)
	}
	if err := n.TableFailed("run-1", "orders", errors.New("boom")); err != nil {
		t.Errorf("TableFailed: %v", err)
	}
}

func newTestNotifier(t *testing.T, received *SlackMessage) *Notifier {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, received)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return New(&SlackConfig{
		Enabled:    true,
		WebhookURL: server.URL,
		Channel:    "#transfers",
		Username:   "dmt",
	})
}

func TestRunStartedPayload(t *testing.T) {
	var msg SlackMessage
	n := newTestNotifier(t, &msg)

	if err := n.RunStarted("run-42", 5, true); err != nil {
		t.Fatalf("RunStarted: %v", err)
	}
	if msg.Channel != "#transfers" || msg.Username != "dmt" {
		t.Errorf("routing fields = %+v", msg)
	}
	if !strings.Contains(msg.Text, "run-42") || !strings.Contains(msg.Text, "dry run") {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestRunCompletedPayload(t *testing.T) {
	var msg SlackMessage
	n := newTestNotifier(t, &msg)

	if err := n.RunCompleted("run-42", 7345, 0, 90*time.Second); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}
	if !strings.Contains(msg.Text, "7345") || !strings.Contains(msg.Text, "completed") {
		t.Errorf("text = %q", msg.Text)
	}

	if err := n.RunCompleted("run-42", 7345, 2, time.Minute); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}
	if !strings.Contains(msg.Text, "2 failed tables") {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestWebhookErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
	if err := n.RunStarted("run-1", 1, false); err == nil {
		t.Error("expected error for 500 response")
	}
}
