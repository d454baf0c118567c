package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/models"
)

// GmailAPIFetcher implements EmailFetcher using Gmail API
type GmailAPIFetcher struct {
	service   *gmail.Service
	userEmail string
}

// GmailTokenSource builds an OAuth2 token source from a stored refresh token
func GmailTokenSource(ctx context.Context, cfg config.EmailConfig, scopes ...string) oauth2.TokenSource {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
	return oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

// NewGmailAPIFetcher creates a new Gmail API fetcher
func NewGmailAPIFetcher(ctx context.Context, cfg config.EmailConfig) (*GmailAPIFetcher, error) {
	tokenSource := GmailTokenSource(ctx, cfg, gmail.GmailReadonlyScope)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	userEmail := cfg.UserEmail
	if userEmail == "" {
		userEmail = "me"
	}
	return &GmailAPIFetcher{service: service, userEmail: userEmail}, nil
}

// FetchNewEmails fetches messages received since the given time
func (f *GmailAPIFetcher) FetchNewEmails(ctx context.Context, since time.Time) ([]models.EmailMessage, error) {
	query := fmt.Sprintf("after:%d", since.Unix())

	var ids []string
	err := f.service.Users.Messages.List(f.userEmail).Q(query).Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var emails []models.EmailMessage
	// the list endpoint returns newest first
	for i := len(ids) - 1; i >= 0; i-- {
		message, err := f.service.Users.Messages.Get(f.userEmail, ids[i]).Format("full").Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logrus.Warnf("Failed to get message %s: %v", ids[i], err)
			continue
		}

		email, err := parseGmailMessage(message)
		if err != nil {
			logrus.Warnf("Failed to parse message %s: %v", ids[i], err)
			continue
		}
		emails = append(emails, email)
	}

	logrus.Infof("Fetched %d messages from Gmail", len(emails))
	return emails, nil
}

// parseGmailMessage parses a Gmail API message into EmailMessage
func parseGmailMessage(msg *gmail.Message) (models.EmailMessage, error) {
	email := models.EmailMessage{
		ID:      msg.Id,
		Headers: make(map[string]string),
	}
	if msg.InternalDate > 0 {
		email.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return email, fmt.Errorf("message has no payload")
	}

	for _, header := range msg.Payload.Headers {
		email.Headers[header.Name] = header.Value

		switch header.Name {
		case "Subject":
			email.Subject = header.Value
		case "From":
			email.From = header.Value
		case "To":
			for _, addr := range strings.Split(header.Value, ",") {
				email.To = append(email.To, strings.TrimSpace(addr))
			}
		}
	}

	if err := parseGmailBody(msg.Payload, &email); err != nil {
		return email, err
	}
	return email, nil
}

// parseGmailBody recursively parses Gmail message body parts
func parseGmailBody(part *gmail.MessagePart, email *models.EmailMessage) error {
	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			data, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
			if err != nil {
				return fmt.Errorf("failed to decode body data: %w", err)
			}
		}

		switch part.MimeType {
		case "text/plain":
			if email.Body == "" {
				email.Body = string(data)
			}
		case "text/html":
			if email.HTMLBody == "" {
				email.HTMLBody = string(data)
			}
		}
	}

	for _, subPart := range part.Parts {
		if err := parseGmailBody(subPart, email); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the Gmail API fetcher
func (f *GmailAPIFetcher) Close() error {
	return nil
}
