package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"perpvault/internal/observability"
)

// Subscriber consumes NATS JetStream subjects and feeds raw command
// messages into the engine shell via msgChan.
type Subscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// RawMessage is a received-but-untyped command from NATS, ready for the
// shell to parse into a typed core.Command before execution.
type RawMessage struct {
	Subject  string
	Kind     string
	Data     []byte
	Received time.Time
	AckFunc  func() // ACK after the command is applied (or rejected as a duplicate)
	NakFunc  func() // NAK on parse or transient failure; the message is redelivered
}

// SubjectConfig maps a NATS subject filter to a command kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard inbound subject configuration.
// Each command kind has its own subject so consumers can scale
// independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.pool.buy.>", Kind: "buy_stable", ConsumerName: "vault-pool-buy", StreamName: "VAULT_POOL"},
		{Subject: "vault.pool.sell.>", Kind: "sell_stable", ConsumerName: "vault-pool-sell", StreamName: "VAULT_POOL"},
		{Subject: "vault.pool.collect.>", Kind: "collect_fees", ConsumerName: "vault-pool-collect", StreamName: "VAULT_POOL"},
		{Subject: "vault.pool.funding.>", Kind: "accrue_funding", ConsumerName: "vault-pool-funding", StreamName: "VAULT_POOL"},
		{Subject: "vault.actions.increase.>", Kind: "request_increase", ConsumerName: "vault-act-increase", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.decrease.>", Kind: "request_decrease", ConsumerName: "vault-act-decrease", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.liquidate.>", Kind: "request_liquidate", ConsumerName: "vault-act-liquidate", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.refund.>", Kind: "refund_request", ConsumerName: "vault-act-refund", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.funding.>", Kind: "charge_funding", ConsumerName: "vault-act-funding", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.prices.fulfill.>", Kind: "fulfill_prices", ConsumerName: "vault-prices-fulfill", StreamName: "VAULT_PRICES"},
		{Subject: "vault.admin.asset", Kind: "list_asset", ConsumerName: "vault-admin-asset", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.params", Kind: "update_params", ConsumerName: "vault-admin-params", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.reporter", Kind: "set_reporter", ConsumerName: "vault-admin-reporter", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.liquidator", Kind: "set_liquidator", ConsumerName: "vault-admin-liquidator", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.plugin", Kind: "set_plugin", ConsumerName: "vault-admin-plugin", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.delegate", Kind: "set_delegate", ConsumerName: "vault-admin-delegate", StreamName: "VAULT_ADMIN"},
	}
}

func NewSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, metrics *observability.Metrics, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		msgChan: msgChan,
		metrics: metrics,
		log:     log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		subject := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			received := time.Now()
			if s.metrics != nil {
				if meta, err := msg.Metadata(); err == nil {
					s.metrics.NATSPullLatency.WithLabelValues(subject).Observe(received.Sub(meta.Timestamp).Seconds())
				}
			}
			raw := RawMessage{
				Subject:  msg.Subject(),
				Kind:     kind,
				Data:     msg.Data(),
				Received: received,
				AckFunc:  func() { msg.Ack() },
				NakFunc:  func() { msg.Nak() },
			}

			select {
			case s.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumerContext)
		s.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required inbound JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_POOL",
			Subjects:  []string{"vault.pool.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_ACTIONS",
			Subjects:  []string{"vault.actions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_PRICES",
			Subjects:  []string{"vault.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_ADMIN",
			Subjects:  []string{"vault.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("NATS subscribers stopped")
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
