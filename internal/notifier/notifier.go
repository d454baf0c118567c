// Package notifier fans notifications out to every configured channel.
// Delivery is fire-and-forget: a failing channel is logged and counted but
// never reported back to the caller.
package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type is the severity of a notification
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Notification is one message for a human
type Notification struct {
	Type     Type
	Title    string
	Message  string
	Metadata map[string]string
}

// Channel delivers notifications somewhere
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Sender is what the orchestrator depends on
type Sender interface {
	Send(n Notification)
}

// Notifier sends each notification to all channels concurrently
type Notifier struct {
	channels  []Channel
	timeout   time.Duration
	onFailure func(channel string)
	wg        sync.WaitGroup
}

// New creates a notifier over channels. timeout bounds each delivery.
func New(timeout time.Duration, channels ...Channel) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{channels: channels, timeout: timeout}
}

// OnFailure registers a hook called once per failed channel delivery
func (n *Notifier) OnFailure(fn func(channel string)) {
	n.onFailure = fn
}

// Channels returns the configured channel names
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Send delivers note to every channel in the background
func (n *Notifier) Send(note Notification) {
	if note.Type == "" {
		note.Type = TypeInfo
	}
	for _, ch := range n.channels {
		n.wg.Add(1)
		go n.deliver(ch, note)
	}
}

func (n *Notifier) deliver(ch Channel, note Notification) {
	defer n.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Notification channel %s panicked: %v", ch.Name(), r)
			n.failed(ch.Name())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := ch.Send(ctx, note); err != nil {
		logrus.WithFields(logrus.Fields{
			"channel": ch.Name(),
			"title":   note.Title,
		}).Warnf("Failed to deliver notification: %v", err)
		n.failed(ch.Name())
	}
}

func (n *Notifier) failed(channel string) {
	if n.onFailure != nil {
		n.onFailure(channel)
	}
}

// Wait blocks until all in-flight deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Subject renders the e-mail subject line for note
func Subject(note Notification) string {
	return fmt.Sprintf("[Gift Card Autopilot] %s: %s", strings.ToUpper(string(note.Type)), note.Title)
}

// Body renders a plain-text body with metadata in key order
func Body(note Notification) string {
	var b strings.Builder
	b.WriteString(note.Message)
	b.WriteString("\n")
	if len(note.Metadata) > 0 {
		keys := make([]string, 0, len(note.Metadata))
		for k := range note.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, note.Metadata[k])
		}
	}
	return b.String()
}
