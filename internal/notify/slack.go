package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/sts/internal/httpx"
)

// SlackConfig configures the incoming-webhook backend
type SlackConfig struct {
	WebhookURL   string
	AlarmChannel string
	InfoChannel  string
	// Source names the sending node in every message footer
	Source  string
	Timeout time.Duration
}

// SlackNotifier posts messages to a Slack incoming webhook
type SlackNotifier struct {
	cfg    SlackConfig
	client *httpx.Client
}

// NewSlackNotifier creates a webhook notifier. It is unavailable when no
// webhook URL is configured.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	return &SlackNotifier{cfg: cfg, client: httpx.NewClient(cfg.Timeout)}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

var slackColors = map[Kind]string{
	KindAlarm:   "danger",
	KindInfo:    "#439FE0",
	KindSuccess: "good",
}

// Available reports whether a webhook is configured
func (s *SlackNotifier) Available() bool { return s.cfg.WebhookURL != "" }

// SendAlarm posts to the alarm channel
func (s *SlackNotifier) SendAlarm(ctx context.Context, message string, fields map[string]any) error {
	return s.post(ctx, s.cfg.AlarmChannel, KindAlarm, ":rotating_light: "+message, fields)
}

// SendInfo posts to channel, or the info channel when channel is empty
func (s *SlackNotifier) SendInfo(ctx context.Context, channel, message string, fields map[string]any, success bool) error {
	if channel == "" {
		channel = s.cfg.InfoChannel
	}
	return s.post(ctx, channel, infoKind(success), message, fields)
}

func (s *SlackNotifier) post(ctx context.Context, channel string, kind Kind, message string, fields map[string]any) error {
	if !s.Available() {
		return nil
	}
	attachment := slackAttachment{
		Color:  slackColors[kind],
		Text:   message,
		Footer: s.cfg.Source,
		Ts:     time.Now().Unix(),
	}
	for _, k := range sortedKeys(fields) {
		attachment.Fields = append(attachment.Fields, slackField{Title: k, Value: fmt.Sprint(fields[k]), Short: true})
	}
	msg := slackMessage{Channel: channel, Text: message, Attachments: []slackAttachment{attachment}}
	if err := s.client.PostJSON(ctx, s.cfg.WebhookURL, msg, nil); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
