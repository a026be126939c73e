package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"postguard/queue"
)

// Publisher is the subset of *amqp.Channel used by AMQPTransport.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Envelope is the JSON body published for each message.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	CreatedAt time.Time `json:"created_at"`
	Data      []byte    `json:"data"`
}

// AMQPTransport hands messages to a broker for delivery by another service.
// It satisfies resilience.Transport.
type AMQPTransport struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

func NewAMQPTransport(publisher Publisher, exchange, routingKey string) *AMQPTransport {
	return &AMQPTransport{publisher: publisher, exchange: exchange, routingKey: routingKey}
}

// Send publishes msg as a persistent JSON message. The message ID is used as
// the AMQP message id so consumers can deduplicate redeliveries.
func (t *AMQPTransport) Send(ctx context.Context, msg queue.Message) error {
	body, err := json.Marshal(Envelope{
		ID:        msg.ID,
		From:      msg.From,
		To:        msg.To,
		CreatedAt: msg.CreatedAt,
		Data:      msg.Payload.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.ID, err)
	}

	err = t.publisher.PublishWithContext(ctx, t.exchange, t.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	return nil
}
