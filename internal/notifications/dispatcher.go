package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ziadkadry99/kinesight/internal/pipeline"
)

// Options configures a Dispatcher.
type Options struct {
	Webhooks    []string
	MinSeverity Severity
	Client      *http.Client
	Logger      *slog.Logger
}

// Dispatcher turns finished pipeline runs into notifications, stores them and
// posts them to webhook subscribers.
type Dispatcher struct {
	store       *Store
	webhooks    []string
	minSeverity Severity
	client      *http.Client
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher backed by the given store.
func NewDispatcher(store *Store, opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = SeverityWarning
	}
	return &Dispatcher{
		store:       store,
		webhooks:    opts.Webhooks,
		minSeverity: opts.MinSeverity,
		client:      opts.Client,
		logger:      opts.Logger,
	}
}

// PipelineFinished implements pipeline.Notifier.
func (d *Dispatcher) PipelineFinished(ctx context.Context, st *pipeline.State) {
	for _, n := range FromState(st) {
		if _, err := d.Dispatch(ctx, n); err != nil {
			d.logger.Warn("notification not stored", "session_id", st.SessionID, "type", n.Type, "error", err)
		}
	}
}

// Dispatch persists a notification and sends it to every webhook when it
// meets the severity threshold. It is marked delivered only once every
// webhook accepted it.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (Notification, error) {
	n, err := d.store.Create(ctx, n)
	if err != nil {
		return n, err
	}
	if d.deliver(ctx, n) {
		if err := d.store.MarkDelivered(ctx, n.ID); err != nil {
			return n, err
		}
		n.Delivered = true
	}
	return n, nil
}

// Redeliver retries every pending notification. It returns how many were
// delivered.
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	pending, err := d.store.Pending(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range pending {
		if !d.deliver(ctx, n) {
			continue
		}
		if err := d.store.MarkDelivered(ctx, n.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) bool {
	if len(d.webhooks) == 0 || n.Severity.Rank() < d.minSeverity.Rank() {
		return false
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return false
	}
	ok := true
	for _, url := range d.webhooks {
		if err := d.SendWebhook(ctx, url, payload); err != nil {
			d.logger.Warn("webhook delivery failed", "url", url, "notification", n.ID, "error", err)
			ok = false
		}
	}
	return ok
}

// SendWebhook POSTs payload to the given URL.
func (d *Dispatcher) SendWebhook(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// FromState derives the notifications for a finished run. A failed run
// yields one critical notification; a completed run yields an info
// notification plus warnings for evidence gaps and validation warnings.
func FromState(st *pipeline.State) []Notification {
	switch st.Status {
	case pipeline.StatusError:
		msg := "The run stopped before insights were produced."
		if e := st.Error; e != nil {
			msg = fmt.Sprintf("Failed in %s (%s): %s.", e.Stage, e.Kind, e.Message)
			if e.Retryable {
				msg += " The run can be re-triggered."
			}
		}
		return []Notification{{
			SessionID: st.SessionID,
			Type:      TypeRunFailed,
			Severity:  SeverityCritical,
			Title:     fmt.Sprintf("Pipeline failed for session %s", st.SessionID),
			Message:   msg,
		}}
	case pipeline.StatusComplete:
	default:
		return nil
	}

	var out []Notification
	if r := st.Research; r != nil && len(r.Insufficient) > 0 {
		out = append(out, Notification{
			SessionID: st.SessionID,
			Type:      TypeEvidenceGap,
			Severity:  SeverityWarning,
			Title:     fmt.Sprintf("%d pattern(s) lack supporting evidence", len(r.Insufficient)),
			Message:   "No evidence at tier C or better for: " + strings.Join(r.Insufficient, ", "),
		})
	}
	if v := st.Validation; v != nil && len(v.Warnings) > 0 {
		lines := make([]string, len(v.Warnings))
		for i, w := range v.Warnings {
			lines[i] = w.String()
		}
		out = append(out, Notification{
			SessionID: st.SessionID,
			Type:      TypeNeedsReview,
			Severity:  SeverityWarning,
			Title:     fmt.Sprintf("%d validation warning(s) to review", len(v.Warnings)),
			Message:   strings.Join(lines, "\n"),
		})
	}
	count := 0
	if st.Analysis != nil {
		count = len(st.Analysis.AllInsights())
	}
	out = append(out, Notification{
		SessionID: st.SessionID,
		Type:      TypeInsightsReady,
		Severity:  SeverityInfo,
		Title:     fmt.Sprintf("Insights ready for session %s", st.SessionID),
		Message:   fmt.Sprintf("%d insight(s) after %d revision(s).", count, st.Revision),
	})
	return out
}
