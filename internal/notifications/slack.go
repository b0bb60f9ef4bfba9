// Package notifications delivers operator-facing messages to Slack.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
)

// Notifier posts batch lifecycle messages to a single Slack channel.
type Notifier struct {
	client    *slack.Client
	channelID string
}

// NewNotifier creates a Slack notifier. Returns nil when no token is
// configured; callers treat a nil notifier as "notifications off".
func NewNotifier(token, channelID string) *Notifier {
	if token == "" || channelID == "" {
		return nil
	}
	return &Notifier{
		client:    slack.New(token),
		channelID: channelID,
	}
}

// BatchComplete announces a finished batch with its outcome counts.
func (n *Notifier) BatchComplete(ctx context.Context, job *db.BatchJob) error {
	if n == nil {
		return nil
	}

	emoji := ":white_check_mark:"
	if job.FailedItems > 0 {
		emoji = ":warning:"
	}

	duration := "n/a"
	if !job.FinishedAt.IsZero() && !job.CreatedAt.IsZero() {
		duration = formatDuration(job.FinishedAt.Sub(job.CreatedAt))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("%s *Bulk ingestion finished: %s*", emoji, job.Name),
				false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("%d succeeded, %d failed of %d items in %s",
					job.CompletedItems, job.FailedItems, job.TotalItems, duration),
				false, false),
			nil, nil,
		),
	}
	fallback := fmt.Sprintf("Bulk ingestion finished: %s (%d/%d succeeded)",
		job.Name, job.CompletedItems, job.TotalItems)

	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		return fmt.Errorf("post batch complete message: %w", err)
	}

	log.Info().
		Str("batch_id", job.ID).
		Str("channel", n.channelID).
		Msg("Batch completion posted to Slack")

	return nil
}

// RecoverySummary posts a plain-text summary of an operator recovery run.
func (n *Notifier) RecoverySummary(ctx context.Context, text string) error {
	if n == nil {
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(fmt.Sprintf(":wrench: %s", text), false),
	)
	if err != nil {
		return fmt.Errorf("post recovery summary: %w", err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
