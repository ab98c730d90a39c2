package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

const (
	maxDeliveryAttempts = 3
	retryBackoffBase    = time.Second
)

// InboundJob is the queue envelope for one inbound protocol message.
// Raw is the protobuf-encoded payload; consumers re-decode it so the
// queue stays agnostic of the protocol schema version.
type InboundJob struct {
	TenantID   int64     `json:"tenant_id"`
	ProtocolID string    `json:"protocol_id"`
	Address    string    `json:"address"`
	PushName   string    `json:"push_name"`
	Timestamp  time.Time `json:"timestamp"`
	Raw        []byte    `json:"raw"`
}

// IdempotencyKey is the stable identity of a job across redeliveries.
func (j *InboundJob) IdempotencyKey() string {
	return fmt.Sprintf("%d_%s", j.TenantID, j.ProtocolID)
}

// Payload decodes the raw protobuf back into the wire message.
func (j *InboundJob) Payload() (*waProtoMessage, error) {
	var msg waProtoMessage
	if err := proto.Unmarshal(j.Raw, &msg); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &msg, nil
}

// Broker is one RabbitMQ connection with the inbound queue declared.
type Broker struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func ConnectBroker(url, queue string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	log.Info().Str("queue", queue).Msg("Message broker connected")
	return &Broker{conn: conn, ch: ch, queue: queue}, nil
}

func (b *Broker) Close() {
	if b == nil {
		return
	}
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

// PublishJob puts one encoded job onto the durable queue, keyed for
// broker-side tracing by its idempotency key.
func (b *Broker) PublishJob(key string, body []byte) error {
	return b.ch.PublishWithContext(context.Background(), "", b.queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    key,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

// jobPublisher is the queue-facing half of the producer.
type jobPublisher interface {
	PublishJob(key string, body []byte) error
}

// Producer turns protocol message events into queue jobs. It is the
// supervisor's inbound sink.
type Producer struct {
	pub    jobPublisher
	dedupe *cache.Cache
}

func NewProducer(pub jobPublisher) *Producer {
	return &Producer{
		pub:    pub,
		dedupe: cache.New(10*time.Minute, 5*time.Minute),
	}
}

// HandleProtocolEvent publishes one inbound message as a durable job.
// Own messages, group chats and status broadcasts never enter the
// queue; redeliveries inside the dedupe window are dropped here so the
// consumer rarely sees duplicates at all.
func (p *Producer) HandleProtocolEvent(tenantID int64, evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	chat := evt.Info.Chat
	if chat.Server == types.GroupServer || chat == types.StatusBroadcastJID {
		return
	}

	job := InboundJob{
		TenantID:   tenantID,
		ProtocolID: evt.Info.ID,
		Address:    chat.ToNonAD().String(),
		PushName:   evt.Info.PushName,
		Timestamp:  evt.Info.Timestamp,
	}
	key := job.IdempotencyKey()
	if _, seen := p.dedupe.Get(key); seen {
		log.Debug().Str("key", key).Msg("Duplicate protocol event dropped")
		return
	}
	p.dedupe.Set(key, struct{}{}, cache.DefaultExpiration)

	raw, err := proto.Marshal(evt.Message)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not encode protocol payload")
		return
	}
	job.Raw = raw

	body, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not encode job")
		return
	}

	if err := p.pub.PublishJob(key, body); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not publish inbound job")
		return
	}
	log.Debug().Str("key", key).Str("address", job.Address).Msg("Inbound job queued")
}

// jobHandler processes one decoded job. Errors trigger a bounded retry.
type jobHandler interface {
	Handle(ctx context.Context, job *InboundJob) error
}

// Consumer drains the inbound queue with a fixed worker pool behind a
// global rate limiter.
type Consumer struct {
	broker  *Broker
	handler jobHandler
	limiter *rate.Limiter
	workers int
}

func NewConsumer(broker *Broker, handler jobHandler, workers int, perSecond float64) *Consumer {
	return &Consumer{
		broker:  broker,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		workers: workers,
	}
}

// Run consumes until ctx is cancelled. Blocks.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.ch.Qos(c.workers*2, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := c.broker.ch.Consume(c.broker.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.broker.queue, err)
	}

	go func() {
		<-ctx.Done()
		c.broker.ch.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				if err := c.limiter.Wait(ctx); err != nil {
					d.Nack(false, true)
					return
				}
				c.process(ctx, d)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	var job InboundJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Msg("Unreadable job dropped")
		d.Ack(false)
		return
	}

	if err := c.handler.Handle(ctx, &job); err != nil {
		log.Error().Err(err).Str("key", job.IdempotencyKey()).Msg("Job failed")
		c.retry(d, &job)
		return
	}
	d.Ack(false)
}

// retry acks the original delivery and republishes the job with an
// incremented attempt counter after an exponential delay, so a
// transient store outage is not hammered back to back. After
// maxDeliveryAttempts the job is dropped; the database unique index
// already holds whatever was persisted before the failure.
func (c *Consumer) retry(d amqp.Delivery, job *InboundJob) {
	attempts := deliveryAttempts(d.Headers)
	if attempts+1 >= maxDeliveryAttempts {
		log.Warn().Str("key", job.IdempotencyKey()).Int("attempts", attempts+1).Msg("Job dropped after final attempt")
		d.Ack(false)
		return
	}

	key := job.IdempotencyKey()
	headers := amqp.Table{"x-attempts": int32(attempts + 1)}
	body := d.Body
	messageID := d.MessageId
	time.AfterFunc(retryDelay(attempts), func() {
		err := c.broker.ch.PublishWithContext(context.Background(), "", c.broker.queue, false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    messageID,
				Headers:      headers,
				Body:         body,
			})
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Could not requeue job")
		}
	})
	d.Ack(false)
}

// retryDelay doubles per attempt: 1s, 2s, 4s, ...
func retryDelay(attempts int) time.Duration {
	return retryBackoffBase << attempts
}

func deliveryAttempts(headers amqp.Table) int {
	switch v := headers["x-attempts"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
