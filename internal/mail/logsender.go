package mail

import (
	"context"
	"log/slog"

	"newsletter/internal/logging"
	"newsletter/internal/observability"
	"newsletter/internal/util"
)

// LogSender accepts every message and only logs it. Used with MAIL_DRIVER=log in development.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) Result {
	id := util.NewMessageID()
	slog.Info("mail accepted by log sender",
		"to", logging.RedactEmail(msg.To),
		"subject", msg.Subject,
		"campaign_id", msg.CampaignID,
		"message_id", id,
	)
	observability.MailSend.WithLabelValues("ok").Inc()
	return Sent(id)
}
