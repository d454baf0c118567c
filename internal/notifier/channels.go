package notifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// LogChannel writes notifications to the application log
type LogChannel struct{}

// Name implements Channel
func (LogChannel) Name() string { return "log" }

// Send implements Channel
func (LogChannel) Send(ctx context.Context, n Notification) error {
	fields := logrus.Fields{"notification": string(n.Type), "title": n.Title}
	for k, v := range n.Metadata {
		fields["meta_"+k] = v
	}
	entry := logrus.WithFields(fields)
	switch n.Type {
	case TypeError:
		entry.Error(n.Message)
	case TypeWarning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
	return nil
}

// RetryPolicy builds the backoff used for rate-limited deliveries
type RetryPolicy func() backoff.BackOff

// DefaultRetryPolicy retries up to 3 times starting at one second
func DefaultRetryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(bo, 3)
}

func sendWithRetry(ctx context.Context, policy RetryPolicy, channel string, send func() error, retryable func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := send()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		logrus.Warnf("%s notification rate limited (attempt %d): %v", channel, attempt, err)
		return err
	}, backoff.WithContext(policy(), ctx))
}

// GmailChannel sends notifications through the Gmail API
type GmailChannel struct {
	service *gmail.Service
	from    string
	to      string
	retry   RetryPolicy
}

// NewGmailChannel creates a Gmail channel. from is the authenticated mailbox.
func NewGmailChannel(service *gmail.Service, from, to string) *GmailChannel {
	if from == "" {
		from = "me"
	}
	return &GmailChannel{service: service, from: from, to: to, retry: DefaultRetryPolicy}
}

// WithRetryPolicy overrides the rate-limit backoff
func (c *GmailChannel) WithRetryPolicy(p RetryPolicy) *GmailChannel {
	c.retry = p
	return c
}

// Name implements Channel
func (c *GmailChannel) Name() string { return "gmail" }

// Send implements Channel
func (c *GmailChannel) Send(ctx context.Context, n Notification) error {
	raw := base64.URLEncoding.EncodeToString([]byte(c.buildMessage(n, time.Now())))
	msg := &gmail.Message{Raw: raw}

	userID := "me"
	return sendWithRetry(ctx, c.retry, c.Name(), func() error {
		_, err := c.service.Users.Messages.Send(userID, msg).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to send gmail notification: %w", err)
		}
		return nil
	}, gmailRateLimited)
}

func (c *GmailChannel) buildMessage(n Notification, now time.Time) string {
	var b strings.Builder
	if c.from != "me" {
		b.WriteString(fmt.Sprintf("From: %s\r\n", c.from))
	}
	b.WriteString(fmt.Sprintf("To: %s\r\n", c.to))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", Subject(n)))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString(fmt.Sprintf("X-Autopilot-Severity: %s\r\n", n.Type))
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(Body(n), "\n", "\r\n"))
	return b.String()
}

func gmailRateLimited(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			return true
		}
		for _, item := range apiErr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "rate")
}

// SESAPI is the part of the SES v2 client used here
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESChannel sends notifications through AWS SES
type SESChannel struct {
	client SESAPI
	from   string
	to     string
	retry  RetryPolicy
}

// NewSESChannel creates an SES channel
func NewSESChannel(client SESAPI, from, to string) *SESChannel {
	return &SESChannel{client: client, from: from, to: to, retry: DefaultRetryPolicy}
}

// WithRetryPolicy overrides the throttling backoff
func (c *SESChannel) WithRetryPolicy(p RetryPolicy) *SESChannel {
	c.retry = p
	return c
}

// Name implements Channel
func (c *SESChannel) Name() string { return "ses" }

// Send implements Channel
func (c *SESChannel) Send(ctx context.Context, n Notification) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.from),
		Destination: &types.Destination{
			ToAddresses: []string{c.to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(Subject(n))},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(Body(n))},
				},
			},
		},
	}
	return sendWithRetry(ctx, c.retry, c.Name(), func() error {
		if _, err := c.client.SendEmail(ctx, input); err != nil {
			return fmt.Errorf("failed to send SES notification: %w", err)
		}
		return nil
	}, sesThrottled)
}

func sesThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "Throttling", "ThrottlingException", "LimitExceededException":
			return true
		}
	}
	return false
}
