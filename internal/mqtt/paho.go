package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/iogate/iogate/internal/config"
)

// PahoClient implements Client on the Eclipse paho library. Reconnection is
// left to the caller: paho's own auto reconnect is disabled so that the
// gateway can re-announce status and re-subscribe on every new session.
type PahoClient struct {
	client   paho.Client
	messages chan Message
	lost     chan error
	logger   *slog.Logger
}

var _ Client = (*PahoClient)(nil)

// NewPahoClient configures a client from cfg. It does not connect.
func NewPahoClient(cfg config.MQTTConfig, logger *slog.Logger) (*PahoClient, error) {
	c := &PahoClient{
		messages: make(chan Message, 256),
		lost:     make(chan error, 1),
		logger:   logger.With("component", "mqtt_client"),
	}

	opts := paho.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS.Enabled {
		tlsCfg, err := tlsConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))))
	opts.SetClientID(cfg.ClientID)
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.Keepalive())
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetWill(
		Topics{Prefix: cfg.TopicPrefix}.Status(cfg.StatusTopic),
		cfg.StatusPayloadDead,
		cfg.QoSLevel(),
		true,
	)
	opts.SetDefaultPublishHandler(c.onMessage)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = paho.NewClient(opts)
	return c, nil
}

func tlsConfig(cfg config.MQTTTLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Insecure}
	if cfg.CACerts != "" {
		pem, err := os.ReadFile(cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read ca_certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACerts)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func (c *PahoClient) onMessage(_ paho.Client, m paho.Message) {
	c.messages <- Message{
		Topic:   m.Topic(),
		Payload: m.Payload(),
		QoS:     m.Qos(),
		Retain:  m.Retained(),
	}
}

func (c *PahoClient) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("connection to broker lost", "error", err)
	select {
	case c.lost <- err:
	default:
	}
}

func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PahoClient) Connect(ctx context.Context) error {
	// Discard a loss reported for the previous session.
	select {
	case <-c.lost:
	default:
	}
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

func (c *PahoClient) Disconnect(ctx context.Context) error {
	quiesce := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if ms := timeUntilMS(dl); ms < quiesce {
			quiesce = ms
		}
	}
	c.client.Disconnect(quiesce)
	return nil
}

func (c *PahoClient) Subscribe(ctx context.Context, topics []string, qos byte) error {
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	if err := wait(ctx, c.client.SubscribeMultiple(filters, nil)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *PahoClient) Publish(ctx context.Context, msg Message) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (c *PahoClient) Messages() <-chan Message {
	return c.messages
}

func (c *PahoClient) Lost() <-chan error {
	return c.lost
}

func timeUntilMS(t time.Time) uint {
	d := time.Until(t)
	if d <= 0 {
		return 0
	}
	return uint(d / time.Millisecond)
}
