// README: Optional AMQP outbound bridge for downstream consumers (analytics, notifications).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpExchange = "hail.events"

// AMQPPublisher mirrors every published event onto a topic exchange so
// systems outside the dispatch core (receipts, notification styling, BI) can
// consume the stream without subscribing to the in-process bus.
type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger
}

func NewAMQPPublisher(url string, log *slog.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(amqpExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, log: log}, nil
}

// Publish forwards ev with a routing key derived from its type
// (e.g. "trip.accepted"). Failures are logged, not propagated: the outbound
// bridge is best-effort and must not fail a dispatch operation.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("amqp: marshal event", "err", err)
		return
	}
	err = p.ch.PublishWithContext(ctx, amqpExchange, routingKey(ev.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		p.log.Warn("amqp: publish failed", "type", ev.Type, "trip_id", ev.TripID, "err", err)
	}
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func routingKey(t Type) string {
	switch t {
	case TypeTripCreated:
		return "trip.created"
	case TypeTripAccepted:
		return "trip.accepted"
	case TypeTripStateChanged:
		return "trip.state_changed"
	case TypeTripCancelled:
		return "trip.cancelled"
	case TypeDriverPositionChanged:
		return "driver.position"
	default:
		return "trip.event"
	}
}
