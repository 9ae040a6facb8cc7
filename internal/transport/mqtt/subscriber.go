// internal/transport/mqtt/subscriber.go
package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"pond-gateway/internal/config"
	"pond-gateway/internal/ingest"
)

const (
	connectTimeout = 10 * time.Second
	quiesceMillis  = 250
)

// Sink is the ingestion entry point messages are handed to.
type Sink interface {
	OnMessage(ctx context.Context, msg ingest.Message) error
}

// Subscriber feeds broker messages on the configured topics into a Sink.
type Subscriber struct {
	cfg    config.MQTTConfig
	sink   Sink
	logger *zap.Logger
}

func NewSubscriber(cfg config.MQTTConfig, sink Sink, logger *zap.Logger) *Subscriber {
	return &Subscriber{cfg: cfg, sink: sink, logger: logger}
}

// Run connects, subscribes on every (re)connect and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(!s.cfg.ManualAck).
		SetOrderMatters(false).
		SetAutoAckDisabled(s.cfg.ManualAck)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		s.logger.Info("connected to mqtt broker", zap.String("broker", s.cfg.Broker))
		s.subscribe(ctx, c)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	client.Disconnect(quiesceMillis)
	s.logger.Info("mqtt subscriber stopped")
	return nil
}

func (s *Subscriber) subscribe(ctx context.Context, c paho.Client) {
	handler := s.handler(ctx)
	for _, topic := range s.cfg.Topics {
		token := c.Subscribe(topic, s.cfg.QoS, handler)
		if !token.WaitTimeout(connectTimeout) {
			s.logger.Error("mqtt subscribe timed out", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		s.logger.Info("subscribed", zap.String("topic", topic), zap.Uint8("qos", s.cfg.QoS))
	}
}

// handler hands each message to the sink. It blocks while the sink is full.
func (s *Subscriber) handler(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		msg := ingest.Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			Transport: "mqtt",
		}
		if s.cfg.ManualAck {
			msg.Ack = m.Ack
		}
		if err := s.sink.OnMessage(ctx, msg); err != nil {
			s.logger.Warn("mqtt message not queued", zap.String("topic", m.Topic()), zap.Error(err))
		}
	}
}
