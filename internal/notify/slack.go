// Package notify posts run lifecycle events to a Slack-compatible
// webhook. Delivery is best effort; a failed notification never fails
// the run.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lokraj/data-migration-tool/internal/logging"
	"github.com/lokraj/data-migration-tool/internal/util"
)

// SlackConfig configures the webhook notifier.
type SlackConfig struct {
	Enabled    bool
	WebhookURL string
	Channel    string
	Username   string
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

// Notifier posts messages to the configured webhook. The zero-value and
// nil-config notifiers are disabled and every method is a no-op.
type Notifier struct {
	cfg    *SlackConfig
	client *http.Client
}

// New creates a notifier. A nil config disables it.
func New(cfg *SlackConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled reports whether notifications will actually be sent.
func (n *Notifier) IsEnabled() bool {
	return n.cfg != nil && n.cfg.Enabled && n.cfg.WebhookURL != ""
}

// RunStarted announces a new run.
func (n *Notifier) RunStarted(runID string, tables int, dryRun bool) error {
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	return n.post(fmt.Sprintf(":arrow_forward: Transfer run %s started%s: %d tables", runID, mode, tables))
}

// RunCompleted announces a finished run.
func (n *Notifier) RunCompleted(runID string, rows int64, failed int, elapsed time.Duration) error {
	if failed > 0 {
		return n.post(fmt.Sprintf(":x: Transfer run %s finished with %d failed tables (%d rows in %s)",
			runID, failed, rows, elapsed.Round(time.Second)))
	}
	return n.post(fmt.Sprintf(":white_check_mark: Transfer run %s completed: %d rows in %s",
		runID, rows, elapsed.Round(time.Second)))
}

// TableFailed announces one table's failure.
func (n *Notifier) TableFailed(runID, table string, err error) error {
	return n.post(fmt.Sprintf(":warning: Run %s: table %s failed: %s",
		runID, table, util.Truncate(err.Error(), 400)))
}

func (n *Notifier) post(text string) error {
	if !n.IsEnabled() {
		return nil
	}
	msg := SlackMessage{
		Channel:  n.cfg.Channel,
		Username: n.cfg.Username,
		Text:     text,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Warn("Posting notification: %v", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		logging.Warn("Posting notification: %v", err)
		return err
	}
	return nil
}
