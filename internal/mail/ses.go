package mail

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"newsletter/internal/logging"
	"newsletter/internal/observability"
)

// SESAPI is the subset of the SES v2 client used for sending.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESSender struct {
	Client  SESAPI
	From    string
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Timeout time.Duration
}

func NewBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ses",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

func (s *SESSender) Send(ctx context.Context, msg Message) Result {
	// Rate limit before calling SES (per process)
	if s.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.MailSend.WithLabelValues("rate_limited_local").Inc()
			return Failed("rate_limited_local", err)
		}
	}

	start := time.Now()
	out, err := s.executeWithBreaker(ctx, msg)
	observability.MailLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.MailSend.WithLabelValues("cb_open").Inc()
		return Failed("circuit_open", err)
	}
	if err != nil {
		reason := Classify(err)
		observability.MailSend.WithLabelValues(reason).Inc()
		slog.Warn("ses send failed", "err", err, "to", logging.RedactEmail(msg.To), "reason", reason, "campaign_id", msg.CampaignID)
		return Failed(reason, err)
	}

	observability.MailSend.WithLabelValues("ok").Inc()
	return Sent(aws.ToString(out.MessageId))
}

func (s *SESSender) executeWithBreaker(ctx context.Context, msg Message) (*sesv2.SendEmailOutput, error) {
	call := func() (any, error) {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.Client.SendEmail(reqCtx, s.input(msg))
	}

	if s.Breaker == nil {
		out, err := call()
		if err != nil {
			return nil, err
		}
		return out.(*sesv2.SendEmailOutput), nil
	}
	out, err := s.Breaker.Execute(call)
	if err != nil {
		return nil, err
	}
	return out.(*sesv2.SendEmailOutput), nil
}

func (s *SESSender) input(msg Message) *sesv2.SendEmailInput {
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		in.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.CampaignID != "" {
		in.EmailTags = []types.MessageTag{{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)}}
	}
	return in
}

// Classify maps a transport error to the failure reason stored on the delivery record.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling":
			return "throttled"
		case "MessageRejected", "BadRequestException", "AccountSuspendedException", "SendingPausedException":
			return "rejected"
		case "MailFromDomainNotVerifiedException", "NotFoundException":
			return "sender_not_verified"
		}
		return "provider_error"
	}
	return "transport_error"
}
