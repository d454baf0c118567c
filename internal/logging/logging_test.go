package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bearer", "Authorization: Bearer abc.def-123", "Authorization: Bearer [REDACTED]"},
		{"email", "sent to jane.doe@example.com", "sent to [REDACTED]"},
		{"card", "card 4111 1111 1111 1111 charged", "card [REDACTED] charged"},
		{"code", "got ABCD1234EFGH5678 back", "got [REDACTED] back"},
		{"plain words", "purchase completed successfully", "purchase completed successfully"},
		{"long word", "internationalization", "internationalization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Scrub(tt.in))
		})
	}
}

func TestSensitiveKey(t *testing.T) {
	assert.True(t, SensitiveKey("Password"))
	assert.True(t, SensitiveKey("refresh_token"))
	assert.True(t, SensitiveKey("gift_code"))
	assert.False(t, SensitiveKey("order_id"))
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "ABCD********5678", MaskCode("ABCD1234EFGH5678"))
	assert.Equal(t, "****", MaskCode("ABCD"))
}

func TestRedactingFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewRedactingFormatter(&logrus.JSONFormatter{}))

	logger.WithFields(logrus.Fields{
		"password": "hunter2",
		"order_id": "ORD-1",
		"detail":   "mailed to bob@example.com",
	}).Info("redeemed ABCD1234EFGH5678")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "[REDACTED]", out["password"])
	assert.Equal(t, "ORD-1", out["order_id"])
	assert.Equal(t, "mailed to [REDACTED]", out["detail"])
	assert.Equal(t, "redeemed [REDACTED]", out["msg"])
	assert.Equal(t, "info", out["level"])
}
