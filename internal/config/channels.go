package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/guardline/guardline/internal/channels"
)

// ChannelsConfig declares which delivery channels are enabled and how to reach
// them. Credentials can live in the file or come from env overrides so the
// file itself stays secret-free.
type ChannelsConfig struct {
	Push    PushChannelConfig    `yaml:"push"`
	SMS     SMSChannelConfig     `yaml:"sms"`
	Webhook WebhookChannelConfig `yaml:"webhook"`
	Slack   SlackChannelConfig   `yaml:"slack"`
}

type PushChannelConfig struct {
	Enabled             bool `yaml:"enabled"`
	channels.PushConfig `yaml:",inline"`
}

type SMSChannelConfig struct {
	Enabled            bool `yaml:"enabled"`
	channels.SMSConfig `yaml:",inline"`
}

type WebhookChannelConfig struct {
	Enabled                bool `yaml:"enabled"`
	channels.WebhookConfig `yaml:",inline"`
}

type SlackChannelConfig struct {
	Enabled              bool `yaml:"enabled"`
	channels.SlackConfig `yaml:",inline"`
}

// LoadChannels reads the channel adapter configuration file and applies env
// overrides for credentials. A missing file yields a config with every
// channel disabled.
func LoadChannels(path string) (*ChannelsConfig, error) {
	cfg := &ChannelsConfig{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("No channels config at %s, all delivery channels disabled", path)
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read channels config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse channels config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets credentials come from the environment instead of the file
func (c *ChannelsConfig) applyEnvOverrides() {
	if v := os.Getenv("PUSH_API_KEY"); v != "" {
		c.Push.APIKey = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		c.SMS.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		c.SMS.AuthToken = v
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		c.SMS.From = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
}

// Adapters builds one channel adapter per enabled channel
func (c *ChannelsConfig) Adapters() []channels.Adapter {
	var adapters []channels.Adapter
	if c.Push.Enabled {
		adapters = append(adapters, channels.NewPushAdapter(c.Push.PushConfig))
	}
	if c.SMS.Enabled {
		adapters = append(adapters, channels.NewSMSAdapter(c.SMS.SMSConfig))
	}
	if c.Webhook.Enabled {
		adapters = append(adapters, channels.NewWebhookAdapter(c.Webhook.WebhookConfig))
	}
	if c.Slack.Enabled {
		adapters = append(adapters, channels.NewSlackAdapter(c.Slack.SlackConfig))
	}
	return adapters
}
