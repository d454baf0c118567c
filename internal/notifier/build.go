package notifier

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sirupsen/logrus"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/fetcher"
)

// FromConfig builds a notifier with the log channel plus every enabled
// remote channel. Gmail reuses the inbox OAuth client with the send scope.
func FromConfig(ctx context.Context, cfg config.NotificationsConfig, emailCfg config.EmailConfig) (*Notifier, error) {
	channels := []Channel{LogChannel{}}

	if cfg.Gmail.Enabled {
		ts := fetcher.GmailTokenSource(ctx, emailCfg, gmail.GmailSendScope)
		service, err := gmail.NewService(ctx, option.WithTokenSource(ts))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail notification service: %w", err)
		}
		channels = append(channels, NewGmailChannel(service, emailCfg.UserEmail, cfg.Gmail.To))
	}

	if cfg.SES.Enabled {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.SES.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SES.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		channels = append(channels, NewSESChannel(sesv2.NewFromConfig(awsCfg), cfg.SES.From, cfg.SES.To))
	}

	n := New(cfg.Timeout, channels...)
	logrus.Infof("Notification channels: %v", n.Channels())
	return n, nil
}
