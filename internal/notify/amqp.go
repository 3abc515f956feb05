package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher is the part of *amqp.Channel the notifier uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConfig configures the RabbitMQ backend
type AMQPConfig struct {
	URL      string
	Exchange string
	Source   string
}

// AMQPNotifier publishes notifications as JSON to a topic exchange.
// Alarms use routing key "sts.alarm", info messages "sts.info.<channel>".
type AMQPNotifier struct {
	exchange string
	source   string

	mu      sync.Mutex
	pub     publisher
	closers []func() error
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// DialAMQPNotifier connects to RabbitMQ and declares the topic exchange
func DialAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	n := newAMQPNotifier(channel, cfg)
	n.closers = []func() error{channel.Close, conn.Close}
	return n, nil
}

func newAMQPNotifier(pub publisher, cfg AMQPConfig) *AMQPNotifier {
	return &AMQPNotifier{exchange: cfg.Exchange, source: cfg.Source, pub: pub}
}

// Available reports whether the channel is still open
func (a *AMQPNotifier) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pub != nil
}

// SendAlarm publishes with routing key sts.alarm
func (a *AMQPNotifier) SendAlarm(ctx context.Context, message string, fields map[string]any) error {
	return a.publish(ctx, "sts.alarm", Notification{Kind: KindAlarm, Message: message, Fields: fields})
}

// SendInfo publishes with routing key sts.info.<channel>
func (a *AMQPNotifier) SendInfo(ctx context.Context, channel, message string, fields map[string]any, success bool) error {
	key := "sts.info"
	if channel != "" {
		key += "." + strings.TrimPrefix(channel, "#")
	}
	return a.publish(ctx, key, Notification{Kind: infoKind(success), Channel: channel, Message: message, Fields: fields})
}

func (a *AMQPNotifier) publish(ctx context.Context, routingKey string, n Notification) error {
	n.Source = a.source
	n.SentAt = time.Now().UTC()
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub == nil {
		return nil
	}
	err = a.pub.PublishWithContext(ctx,
		a.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.SentAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and connection
func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pub = nil
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
