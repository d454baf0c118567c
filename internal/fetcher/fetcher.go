// Package fetcher reads messages from the monitored inbox over IMAP or the
// Gmail API.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/models"
	"giftcard-autopilot-go/internal/secrets"
)

// EmailService is the secret store service name holding inbox credentials
const EmailService = "email"

// EmailFetcher lists messages received at or after since
type EmailFetcher interface {
	FetchNewEmails(ctx context.Context, since time.Time) ([]models.EmailMessage, error)
	Close() error
}

// CredentialSource resolves per-service credentials
type CredentialSource interface {
	Credentials(ctx context.Context, service string) (*secrets.ServiceCredentials, error)
}

// New builds the fetcher selected by cfg.Provider
func New(ctx context.Context, cfg config.EmailConfig, creds CredentialSource) (EmailFetcher, error) {
	switch cfg.Provider {
	case "gmail":
		return NewGmailAPIFetcher(ctx, cfg)
	case "imap":
		return NewIMAPFetcher(cfg, creds), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
}

// ParseMessage reads a raw RFC 5322 message into an EmailMessage
func ParseMessage(id string, r io.Reader) (models.EmailMessage, error) {
	email := models.EmailMessage{
		ID:      id,
		Headers: make(map[string]string),
	}

	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return email, fmt.Errorf("failed to read message: %w", err)
	}

	fields := entity.Header.Fields()
	for fields.Next() {
		email.Headers[fields.Key()] = fields.Value()
	}
	dec := new(mime.WordDecoder)
	email.Subject = decodeHeader(dec, entity.Header.Get("Subject"))
	email.From = decodeHeader(dec, entity.Header.Get("From"))
	if to := entity.Header.Get("To"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			email.To = append(email.To, strings.TrimSpace(addr))
		}
	}
	if email.ID == "" {
		email.ID = strings.Trim(entity.Header.Get("Message-Id"), "<> ")
	}
	if date := entity.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			email.ReceivedAt = t
		}
	}

	if err := readEntity(entity, &email); err != nil {
		return email, err
	}
	return email, nil
}

// readEntity walks a MIME tree collecting the first text/plain and
// text/html parts
func readEntity(entity *message.Entity, email *models.EmailMessage) error {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("failed to read part: %w", err)
			}
			if err := readEntity(p, email); err != nil {
				return err
			}
		}
		return nil
	}

	mediaType, _, _ := entity.Header.ContentType()
	if mediaType != "" && mediaType != "text/plain" && mediaType != "text/html" {
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	switch mediaType {
	case "text/html":
		if email.HTMLBody == "" {
			email.HTMLBody = string(content)
		}
	default:
		if email.Body == "" {
			email.Body = string(content)
		}
	}
	return nil
}

func decodeHeader(dec *mime.WordDecoder, v string) string {
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}
