// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/slack-go/slack"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (LogSink) Name() string {
	return KindLog
}

func (LogSink) Send(_ context.Context, message string, recipients []string) bool {
	zap.S().Infow("Notice", "recipients", recipients, "message", message)
	return true
}

type MailSink struct {
	cfg config.MailConfig
}

func NewMailSink(cfg config.MailConfig) (*MailSink, error) {
	if cfg.Host == "" {
		return nil, errors.New("mail sink needs a host")
	}
	if cfg.From == "" {
		return nil, errors.New("mail sink needs a sender address")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &MailSink{cfg: cfg}, nil
}

func (*MailSink) Name() string {
	return KindMail
}

func subject(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	if len(line) > 78 {
		line = line[:75] + "..."
	}
	return line
}

func (m *MailSink) message(message string, recipients []string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %s: %w", m.cfg.From, err)
	}
	if err := msg.To(recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(subject(message))
	msg.SetBodyString(mail.TypeTextPlain, message)
	return msg, nil
}

func (m *MailSink) client() (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(m.cfg.Port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password))
	}
	return mail.NewClient(m.cfg.Host, opts...)
}

func (m *MailSink) Send(ctx context.Context, message string, recipients []string) bool {
	msg, err := m.message(message, recipients)
	if err != nil {
		zap.S().Errorf("Failed to build notice mail: %s", err)
		return false
	}
	c, err := m.client()
	if err != nil {
		zap.S().Errorf("Failed to create mail client: %s", err)
		return false
	}
	if err = c.DialAndSendWithContext(ctx, msg); err != nil {
		zap.S().Errorf("Failed to send notice mail via %s: %s", m.cfg.Host, err)
		return false
	}
	return true
}

// SlackSink posts notices to incoming webhooks. Every recipient is a webhook URL.
type SlackSink struct{}

func NewSlackSink() *SlackSink {
	return &SlackSink{}
}

func (SlackSink) Name() string {
	return KindSlack
}

func (SlackSink) Send(ctx context.Context, message string, recipients []string) bool {
	ok := false
	for _, url := range recipients {
		if err := slack.PostWebhookContext(ctx, url, &slack.WebhookMessage{Text: message}); err != nil {
			zap.S().Errorf("Failed to post notice to slack webhook: %s", err)
			continue
		}
		ok = true
	}
	return ok
}
