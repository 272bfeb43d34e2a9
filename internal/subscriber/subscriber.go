// Package subscriber owns the MQTT session. It delivers inbound messages to a
// handler in arrival order and surfaces a dropped connection as a terminal
// error instead of reconnecting silently, so the failure model stays visible
// to the orchestrator.
package subscriber

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Config holds the broker connection settings.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	TLS            bool          `mapstructure:"tls"`
	CACertFile     string        `mapstructure:"ca"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientIDPrefix string        `mapstructure:"client_id_prefix"`
	Topic          string        `mapstructure:"topic"`
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// ConnectMaxElapsed bounds the initial connect retries. Zero means a
	// single attempt.
	ConnectMaxElapsed time.Duration `mapstructure:"connect_max_elapsed"`
}

// BrokerURL renders the paho broker address for the configured transport.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

const (
	willTopic   = "/lwt/o2db"
	willPayload = "o2db bridge offline"
)

// Handler receives one inbound message. It must not retain the payload slice.
type Handler func(topic string, payload []byte)

// Subscriber wraps a connected paho client.
type Subscriber struct {
	client mqtt.Client
	cfg    Config
	logger zerolog.Logger
	lost   chan error
}

// Connect establishes the broker session, retrying with bounded backoff.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Subscriber, error) {
	s := &Subscriber{
		cfg:    cfg,
		logger: logger,
		lost:   make(chan error, 1),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(fmt.Sprintf("%s-%d", cfg.ClientIDPrefix, time.Now().UnixNano()%1000000)).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWill(willTopic, willPayload, 0, false).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectionLostHandler(s.onConnectionLost)

	if cfg.TLS {
		tlsCfg, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	s.client = mqtt.NewClient(opts)

	err := backoff.Retry(func() error {
		token := s.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Warn().Err(err).Str("broker", cfg.BrokerURL()).Msg("broker not reachable yet")
			return err
		}
		return nil
	}, backoff.WithContext(connectPolicy(cfg.ConnectMaxElapsed), ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.BrokerURL(), err)
	}

	logger.Info().Str("broker", cfg.BrokerURL()).Msg("broker connected")
	return s, nil
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	select {
	case s.lost <- err:
	default:
	}
}

// Run subscribes to the wildcard pattern and blocks, invoking handler once per
// inbound message in arrival order. It returns a non-nil error when the
// transport drops, or nil when ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, topicPattern string, handler Handler) error {
	token := s.client.Subscribe(topicPattern, 0, func(_ mqtt.Client, msg mqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		handler(msg.Topic(), payload)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topicPattern, err)
	}
	s.logger.Info().Str("topic", topicPattern).Msg("subscribed")

	select {
	case <-ctx.Done():
		if s.client.IsConnected() {
			if token := s.client.Unsubscribe(topicPattern); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Msg("unsubscribe failed during shutdown")
			}
			s.client.Disconnect(250)
		}
		return nil
	case err := <-s.lost:
		return fmt.Errorf("broker connection lost: %w", err)
	}
}

// connectPolicy bounds startup retries to maxElapsed; zero means one attempt.
func connectPolicy(maxElapsed time.Duration) backoff.BackOff {
	if maxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed
	return policy
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no usable certificates in %s", cfg.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
