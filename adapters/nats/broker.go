package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

const (
	headerEventName        = "x-event-name"
	headerAggregateType    = "x-aggregate-type"
	headerAggregateID      = "x-aggregate-id"
	headerEventVersion     = "x-event-version"
	headerOccurredAt       = "x-occurred-at"
	headerDeadLetterReason = "x-dead-letter-reason"
)

// BrokerConfig configures one bounded context's event topic.
type BrokerConfig struct {
	// Connect creates the underlying connection. Defaults to ConnectDefault.
	Connect Connector
	// Log for diagnostics (optional).
	Log *slog.Logger
	// Context is the bounded context name; the stream is named after it and
	// subjects live under "<context>.events.>" and "<context>.dlq.>".
	Context string
	// Durable names the projector's durable consumer. Instances sharing the
	// name share the consumer, and JetStream keeps per-subject (that is,
	// per-aggregate) delivery ordered.
	Durable string
}

// Broker is the JetStream-backed Publisher, EventSource and DeadLetterer.
type Broker struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *slog.Logger
	context string
	durable string
}

func NewBroker(cfg BrokerConfig) (*Broker, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	bc := cfg.Context
	if bc == "" {
		bc = "cqrs"
	}

	log = log.With(
		slog.String("broker", "nats_js"),
		slog.String("context", bc),
	)

	streamName := strings.ToUpper(strings.ReplaceAll(bc, "-", "_")) + "_EVENTS"

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: streamName,
		Subjects: []string{
			bc + ".events.>",
			bc + ".dlq.>",
		},
		FirstSeq: 1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	log.Info("stream ensured", slog.String("stream", streamName))

	return &Broker{
		nc:      nc,
		closeNc: closeNatsCon,
		js:      js,
		stream:  stream,
		log:     log,
		context: bc,
		durable: cfg.Durable,
	}, nil
}

func (b *Broker) Close() error {
	b.closeNc()
	b.log.Debug("broker closed")
	return nil
}

func (b *Broker) eventSubject(aggType, aggID string) string {
	return b.context + ".events." + aggType + "." + aggID
}

func (b *Broker) dlqSubject(aggType, aggID string) string {
	return b.context + ".dlq." + aggType + "." + aggID
}

// Publish appends one envelope to the topic. The subject carries the
// aggregate id, so all events of one aggregate land on one ordered subject.
// Duplicate publishes (relay redelivery) are suppressed broker-side via the
// envelope id used as message id.
func (b *Broker) Publish(ctx context.Context, env cqrs.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	subject := b.eventSubject(env.AggregateType, env.AggregateID)

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerEventName, env.Name)
	msg.Header.Set(headerAggregateType, env.AggregateType)
	msg.Header.Set(headerAggregateID, env.AggregateID)
	msg.Header.Set(headerEventVersion, strconv.FormatUint(env.Version.Uint64(), 10))
	msg.Header.Set(headerOccurredAt, env.OccurredAt.UTC().Format(time.RFC3339Nano))

	var err error
	msg.Data, err = json.Marshal(env)
	if err != nil {
		return err
	}

	if _, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(env.ID)); err != nil {
		return &cqrs.PublishError{Subject: subject, Err: err}
	}
	return nil
}

func (b *Broker) PublishBatch(ctx context.Context, envs []cqrs.Envelope) error {
	for _, env := range envs {
		if err := b.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// DeadLetter preserves an unprocessable envelope on the context's dlq
// subject for manual inspection and replay.
func (b *Broker) DeadLetter(ctx context.Context, env cqrs.Envelope, reason string) error {
	subject := b.dlqSubject(env.AggregateType, env.AggregateID)

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerEventName, env.Name)
	msg.Header.Set(headerAggregateID, env.AggregateID)
	msg.Header.Set(headerDeadLetterReason, reason)

	var err error
	msg.Data, err = json.Marshal(env)
	if err != nil {
		return err
	}

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return &cqrs.PublishError{Subject: subject, Err: err}
	}
	return nil
}

// Subscribe starts a durable consumer over the context's event subjects and
// exposes it as the engine's delivery channel. Deliveries are acked by the
// projector after the read-model write; unacked messages are redelivered by
// JetStream after its ack wait.
func (b *Broker) Subscribe(ctx context.Context) (cqrs.Subscription, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Durable:        b.durable,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckPolicy:      jetstream.AckExplicitPolicy,
		FilterSubjects: []string{b.context + ".events.>"},
	}
	if b.durable == "" {
		consumerCfg.InactiveThreshold = 10 * time.Minute
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, err
	}

	b.log.Info("subscribed", slog.String("durable", b.durable))

	ch := make(chan cqrs.Delivery, 64)
	ctxc, cancel := context.WithCancel(ctx)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-ctxc.Done():
			return
		default:
		}

		var env cqrs.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			// transport-level garbage: dead-letter right here, the projector
			// never sees it
			b.log.Error("malformed envelope", slog.Any("error", err))
			raw := cqrs.Envelope{Data: msg.Data()}
			if dlErr := b.DeadLetter(ctxc, raw, fmt.Sprintf("malformed envelope: %v", err)); dlErr != nil {
				b.log.Error("dead-letter failed", slog.Any("error", dlErr))
				return
			}
			if ackErr := msg.Ack(); ackErr != nil {
				b.log.Error("ack failed", slog.Any("error", ackErr))
			}
			return
		}

		d := cqrs.Delivery{
			Envelope: env,
			Ack:      msg.Ack,
		}

		select {
		case ch <- d:
		case <-ctxc.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			cc.Drain()
			cancel()
			close(ch)
		})
	}

	context.AfterFunc(ctxc, stop)

	return &jsSubscription{ch: ch, cancel: stop}, nil
}

var (
	_ cqrs.Publisher    = (*Broker)(nil)
	_ cqrs.EventSource  = (*Broker)(nil)
	_ cqrs.DeadLetterer = (*Broker)(nil)
)

type jsSubscription struct {
	ch     chan cqrs.Delivery
	cancel func()
}

func (s *jsSubscription) Chan() <-chan cqrs.Delivery { return s.ch }
func (s *jsSubscription) Cancel()                    { s.cancel() }
