package fetcher

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/models"
)

// IMAPFetcher implements EmailFetcher using IMAP. Each fetch opens its own
// connection so a dropped session never wedges the poll loop.
type IMAPFetcher struct {
	addr    string
	mailbox string
	timeout time.Duration
	creds   CredentialSource
}

// NewIMAPFetcher creates a new IMAP fetcher
func NewIMAPFetcher(cfg config.EmailConfig, creds CredentialSource) *IMAPFetcher {
	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPFetcher{
		addr:    fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		mailbox: mailbox,
		timeout: timeout,
		creds:   creds,
	}
}

// FetchNewEmails fetches messages received since the given time
func (f *IMAPFetcher) FetchNewEmails(ctx context.Context, since time.Time) ([]models.EmailMessage, error) {
	cred, err := f.creds.Credentials(ctx, EmailService)
	if err != nil {
		return nil, err
	}

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: f.timeout}, f.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = f.timeout

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-finished:
		}
	}()
	defer c.Logout()

	if err := c.Login(cred.Login, cred.Password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := c.Select(f.mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", f.mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return []models.EmailMessage{}, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var emails []models.EmailMessage
	for msg := range messages {
		// SINCE has day granularity
		if !msg.InternalDate.IsZero() && msg.InternalDate.Before(since) {
			continue
		}
		email, err := f.parseIMAPMessage(msg, section)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message %d: %v", msg.Uid, err)
			continue
		}
		emails = append(emails, email)
	}

	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	logrus.Infof("Fetched %d messages from %s", len(emails), f.mailbox)
	return emails, nil
}

// parseIMAPMessage parses an IMAP message into EmailMessage
func (f *IMAPFetcher) parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (models.EmailMessage, error) {
	id := ""
	if msg.Envelope != nil {
		id = msg.Envelope.MessageId
	}
	if id == "" {
		id = fmt.Sprintf("imap-uid-%d", msg.Uid)
	}

	r := msg.GetBody(section)
	if r == nil {
		return models.EmailMessage{}, fmt.Errorf("failed to get message body")
	}

	email, err := ParseMessage(id, r)
	if err != nil {
		return email, err
	}

	if msg.Envelope != nil {
		if msg.Envelope.Subject != "" {
			email.Subject = msg.Envelope.Subject
		}
		if len(msg.Envelope.From) > 0 {
			email.From = msg.Envelope.From[0].Address()
		}
	}
	if !msg.InternalDate.IsZero() {
		email.ReceivedAt = msg.InternalDate
	}
	return email, nil
}

// Close is a no-op; connections are per fetch
func (f *IMAPFetcher) Close() error {
	return nil
}
