package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mblsha/appforge/internal/job"
)

func TestAMQPPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	p := newTestPublisher(t, ctx)

	code := 0
	want := job.Event{
		Seq:      3,
		JobID:    "0192f0c4-7b6e-7d3c-9a51-6f3f3f0b7a10",
		Type:     job.EventCompleted,
		State:    job.StateCompleted,
		Message:  "build succeeded",
		ExitCode: &code,
		At:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(ctx, want))

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got, err := receiveEvent(rctx, p)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func newTestPublisher(tb testing.TB, ctx context.Context) *AMQPPublisher {
	tb.Helper()

	username := "guest"
	password := "guest"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "rabbitmq:4.0-alpine",
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": username,
				"RABBITMQ_DEFAULT_PASS": password,
			},
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog(".*Server startup complete.*").AsRegexp().WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	require.NoError(tb, err)

	endpoint, err := c.PortEndpoint(ctx, "5672/tcp", "")
	require.NoError(tb, err)

	return NewAMQPPublisher(fmt.Sprintf("amqp://%s:%s@%s", username, password, endpoint), "appforge.test.events")
}

// receiveEvent reads and acknowledges the next event on p's queue.
func receiveEvent(ctx context.Context, p *AMQPPublisher) (job.Event, error) {
	conn, err := amqp091.Dial(p.connectionString)
	if err != nil {
		return job.Event{}, err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return job.Event{}, err
	}
	defer ch.Close()

	q, err := p.declare(ch)
	if err != nil {
		return job.Event{}, err
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return job.Event{}, err
	}

	var msg amqp091.Delivery
	select {
	case msg = <-msgs:
	case <-ctx.Done():
		return job.Event{}, ctx.Err()
	}
	var ev job.Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return job.Event{}, err
	}
	return ev, msg.Ack(false)
}
