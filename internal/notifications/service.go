// Package notifications hands push jobs for offline recipients to the delivery
// workers. Device delivery itself happens outside this process.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	NewMessageRoutingKey = "new_message"
	previewLength        = 100
)

// NewMessageNotice describes a chat message that some members did not see live.
type NewMessageNotice struct {
	RecipientIDs []string
	ChatID       string
	MessageID    string
	SenderID     string
	Kind         string
	Content      string
	SentAt       time.Time
}

// Notifier queues push notifications.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, notice NewMessageNotice) error
}

// Job is the body published for each recipient.
type Job struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Preview   string    `json:"preview"`
	SentAt    time.Time `json:"sent_at"`
}

func jobs(n NewMessageNotice) []Job {
	preview := Preview(n.Kind, n.Content)
	out := make([]Job, 0, len(n.RecipientIDs))
	for _, id := range n.RecipientIDs {
		if id == n.SenderID {
			continue
		}
		out = append(out, Job{
			Type:      NewMessageRoutingKey,
			UserID:    id,
			ChatID:    n.ChatID,
			MessageID: n.MessageID,
			SenderID:  n.SenderID,
			Preview:   preview,
			SentAt:    n.SentAt,
		})
	}
	return out
}

// Preview is the notification text: the message content cut to a fixed number
// of runes, or a placeholder for media.
func Preview(kind, content string) string {
	switch kind {
	case "", "text":
	case "points":
		return "Sent you points"
	default:
		return "[" + kind + "]"
	}
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	r := []rune(content)
	return string(r[:previewLength]) + "…"
}

// LogNotifier records jobs in the log when no broker is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyNewMessage(_ context.Context, notice NewMessageNotice) error {
	for _, j := range jobs(notice) {
		n.log.Info().
			Str("user_id", j.UserID).
			Str("chat_id", j.ChatID).
			Str("message_id", j.MessageID).
			Msg("push notification queued")
	}
	return nil
}

// Channel is the part of *amqp.Channel the notifier publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes one persistent JSON job per recipient to a direct exchange.
type AMQPNotifier struct {
	ch       Channel
	exchange string
	log      zerolog.Logger
}

func NewAMQPNotifier(ch Channel, exchange string, log zerolog.Logger) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange, log: log}
}

// DialAMQP connects to the broker and declares the durable push exchange. The
// returned func closes the channel and the connection.
func DialAMQP(url, exchange string, log zerolog.Logger) (*AMQPNotifier, func(), error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	cleanup := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	return NewAMQPNotifier(ch, exchange, log), cleanup, nil
}

func (n *AMQPNotifier) NotifyNewMessage(ctx context.Context, notice NewMessageNotice) error {
	for _, j := range jobs(notice) {
		body, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("failed to encode push job: %w", err)
		}
		err = n.ch.PublishWithContext(ctx,
			n.exchange,           // exchange
			NewMessageRoutingKey, // routing key
			false,                // mandatory
			false,                // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    j.MessageID + ":" + j.UserID,
				Timestamp:    j.SentAt,
				Body:         body,
			})
		if err != nil {
			return fmt.Errorf("failed to publish push job: %w", err)
		}
	}
	n.log.Debug().Str("message_id", notice.MessageID).Int("recipients", len(notice.RecipientIDs)).Msg("push jobs published")
	return nil
}
