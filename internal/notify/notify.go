// Package notify publishes job lifecycle events to a message broker.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rabbitmq/amqp091-go"

	"github.com/mblsha/appforge/internal/job"
)

// AMQPPublisher sends each event as a JSON message to a durable queue.
type AMQPPublisher struct {
	connectionString string // required
	queue            string // required
}

func NewAMQPPublisher(connectionString, queue string) *AMQPPublisher {
	return &AMQPPublisher{connectionString: connectionString, queue: queue}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev job.Event) error {
	conn, err := amqp091.Dial(p.connectionString)
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	defer ch.Close()

	q, err := p.declare(ch)
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}

	body := &bytes.Buffer{}
	if err = json.NewEncoder(body).Encode(ev); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.JobID + ":" + strconv.FormatInt(ev.Seq, 10),
		Type:         ev.Type,
		Timestamp:    ev.At,
		Body:         body.Bytes(),
	}

	err = ch.PublishWithContext(ctx,
		"",     // exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) declare(ch *amqp091.Channel) (amqp091.Queue, error) {
	return ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
}
