// Package logging configures logrus and scrubs secrets out of log output.
package logging

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/config"
)

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "token", "secret", "code", "credential"}

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
	tokenPattern  = regexp.MustCompile(`\b[A-Za-z0-9_\-]{16,}\b`)
)

// Setup configures the standard logrus logger from cfg
func Setup(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	var inner logrus.Formatter
	switch cfg.Format {
	case "text":
		inner = &logrus.TextFormatter{FullTimestamp: true}
	default:
		inner = &logrus.JSONFormatter{}
	}
	logrus.SetFormatter(NewRedactingFormatter(inner))
	return nil
}

// RedactingFormatter scrubs sensitive fields and values before delegating
type RedactingFormatter struct {
	Inner logrus.Formatter
}

// NewRedactingFormatter wraps inner
func NewRedactingFormatter(inner logrus.Formatter) *RedactingFormatter {
	return &RedactingFormatter{Inner: inner}
}

// Format implements logrus.Formatter
func (f *RedactingFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	clean := entry.Dup()
	clean.Level = entry.Level
	clean.Caller = entry.Caller
	clean.Message = Scrub(entry.Message)

	for k, v := range entry.Data {
		if SensitiveKey(k) {
			clean.Data[k] = redacted
			continue
		}
		switch val := v.(type) {
		case string:
			clean.Data[k] = Scrub(val)
		case error:
			clean.Data[k] = Scrub(val.Error())
		}
	}
	return f.Inner.Format(clean)
}

// SensitiveKey reports whether a field named key must never be logged
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Scrub replaces bearer tokens, e-mail addresses, card-like digit runs and
// long mixed alphanumeric tokens in s
func Scrub(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = emailPattern.ReplaceAllString(s, redacted)
	s = cardPattern.ReplaceAllString(s, redacted)
	s = tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		if hasLetterAndDigit(tok) {
			return redacted
		}
		return tok
	})
	return s
}

// MaskCode renders a gift card code for humans: first 4, stars, last 4
func MaskCode(code string) string {
	if len(code) <= 8 {
		return strings.Repeat("*", len(code))
	}
	return code[:4] + strings.Repeat("*", len(code)-8) + code[len(code)-4:]
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLetter(r):
			letter = true
		}
	}
	return letter && digit
}
