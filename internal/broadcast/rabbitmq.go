package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type RabbitConfig struct {
	URL            string
	Queue          string
	QueuePrefix    string
	SpecificEvents []string
}

// Rabbit publishes events as JSON to durable queues. Events listed in
// SpecificEvents get a queue of their own, everything else goes to
// "<prefix>_<queue>".
type Rabbit struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    string
	prefix   string
	specific map[string]bool
	declared map[string]bool
}

func newRabbit(cfg RabbitConfig) *Rabbit {
	r := &Rabbit{
		queue:    cfg.Queue,
		prefix:   cfg.QueuePrefix,
		specific: make(map[string]bool),
		declared: make(map[string]bool),
	}
	if r.queue == "" {
		r.queue = "autoflow_events"
	}
	if r.prefix == "" {
		r.prefix = "wuzapi"
	}
	for _, ev := range cfg.SpecificEvents {
		ev = strings.TrimSpace(ev)
		if !isValidEventType(ev) {
			log.Warn().Str("eventType", ev).Msg("Ignoring unsupported event type in AMQP_SPECIFIC_EVENTS")
			continue
		}
		r.specific[ev] = true
	}
	if len(r.specific) > 0 {
		log.Info().Interface("specificEvents", r.specific).Msg("Specific RabbitMQ events configured")
	}
	return r
}

// DialRabbit connects to the broker at cfg.URL.
func DialRabbit(cfg RabbitConfig) (*Rabbit, error) {
	r := newRabbit(cfg)
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	r.conn, r.channel = conn, ch
	log.Info().
		Str("queue", r.queue).
		Str("prefix", r.prefix).
		Msg("RabbitMQ connection established.")
	return r, nil
}

func (r *Rabbit) queueName(eventType string) string {
	if r.specific[eventType] {
		return r.prefix + "_" + strings.ToLower(strings.ReplaceAll(eventType, ".", "_"))
	}
	return r.prefix + "_" + r.queue
}

func (r *Rabbit) Broadcast(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	queueName := r.queueName(ev.Type)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.declared[queueName] {
		if _, err := r.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queueName, err)
		}
		r.declared[queueName] = true
	}
	err = r.channel.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Timestamp:   ev.OccurredAt,
		Type:        ev.Type,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, queueName, err)
	}
	log.Debug().Str("eventType", ev.Type).Str("queue", queueName).Msg("Published event to RabbitMQ")
	return nil
}

func (r *Rabbit) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
