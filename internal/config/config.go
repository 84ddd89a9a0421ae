// Package config loads, normalizes and validates the gateway configuration.
package config

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is matched by every validation failure returned from Load.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	MQTT           MQTTConfig      `yaml:"mqtt"`
	GPIOModules    []ModuleConfig  `yaml:"gpio_modules" validate:"dive"`
	SensorModules  []ModuleConfig  `yaml:"sensor_modules" validate:"dive"`
	StreamModules  []StreamModule  `yaml:"stream_modules" validate:"dive"`
	DigitalInputs  []DigitalInput  `yaml:"digital_inputs" validate:"dive"`
	DigitalOutputs []DigitalOutput `yaml:"digital_outputs" validate:"dive"`
	SensorInputs   []SensorInput   `yaml:"sensor_inputs" validate:"dive"`
	Options        OptionsConfig   `yaml:"options"`
	Logging        LoggingConfig   `yaml:"logging"`
	API            APIConfig       `yaml:"api"`
	Journal        JournalConfig   `yaml:"journal"`
}

type MQTTConfig struct {
	Host                  string            `yaml:"host" validate:"required"`
	Port                  int               `yaml:"port" validate:"gte=1,lte=65535"`
	User                  string            `yaml:"user"`
	Password              string            `yaml:"password"`
	ClientID              string            `yaml:"client_id"`
	TopicPrefix           string            `yaml:"topic_prefix" validate:"required"`
	KeepaliveSeconds      int               `yaml:"keepalive" validate:"gte=1"`
	CleanSession          bool              `yaml:"clean_session"`
	QoS                   *int              `yaml:"qos" validate:"omitempty,gte=0,lte=2"`
	StatusTopic           string            `yaml:"status_topic" validate:"required"`
	StatusPayloadRunning  string            `yaml:"status_payload_running" validate:"required"`
	StatusPayloadStopped  string            `yaml:"status_payload_stopped" validate:"required"`
	StatusPayloadDead     string            `yaml:"status_payload_dead" validate:"required"`
	TLS                   MQTTTLSConfig     `yaml:"tls"`
	ReconnectDelaySeconds int               `yaml:"reconnect_delay" validate:"gte=0"`
	ReconnectCount        *int              `yaml:"reconnect_count" validate:"omitempty,gte=0"`
	HADiscovery           HADiscoveryConfig `yaml:"ha_discovery"`
}

type MQTTTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CACerts  string `yaml:"ca_certs"`
	CertFile string `yaml:"certfile"`
	KeyFile  string `yaml:"keyfile"`
	Insecure bool   `yaml:"insecure"`
}

type HADiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
	Name    string `yaml:"name"`
}

// ModuleConfig declares one driver instance. Keys other than the common ones
// are kept in Options and decoded by the driver itself.
type ModuleConfig struct {
	Name    string  `yaml:"name" validate:"required"`
	Module  string  `yaml:"module" validate:"required"`
	Cleanup *bool   `yaml:"cleanup"`
	Options Options `yaml:"-"`
}

// StreamModule declares a byte-stream driver instance.
type StreamModule struct {
	Name           string  `yaml:"name" validate:"required"`
	Module         string  `yaml:"module" validate:"required"`
	Cleanup        *bool   `yaml:"cleanup"`
	ReadIntervalMS int     `yaml:"read_interval_ms" validate:"gte=0"`
	Retain         bool    `yaml:"retain"`
	Options        Options `yaml:"-"`
}

type DigitalInput struct {
	Name                 string         `yaml:"name" validate:"required"`
	Module               string         `yaml:"module" validate:"required"`
	Pin                  PinID          `yaml:"pin" validate:"required"`
	OnPayload            string         `yaml:"on_payload"`
	OffPayload           string         `yaml:"off_payload"`
	Inverted             bool           `yaml:"inverted"`
	PullUp               bool           `yaml:"pullup"`
	PullDown             bool           `yaml:"pulldown"`
	Interrupt            string         `yaml:"interrupt" validate:"omitempty,oneof=rising falling both"`
	InterruptFor         []string       `yaml:"interrupt_for"`
	PollIntervalSeconds  float64        `yaml:"poll_interval" validate:"gte=0"`
	PollWhenInterruptFor *bool          `yaml:"poll_when_interrupt_for"`
	Retain               bool           `yaml:"retain"`
	HADiscovery          map[string]any `yaml:"ha_discovery"`
}

type DigitalOutput struct {
	Name           string         `yaml:"name" validate:"required"`
	Module         string         `yaml:"module" validate:"required"`
	Pin            PinID          `yaml:"pin" validate:"required"`
	OnPayload      string         `yaml:"on_payload"`
	OffPayload     string         `yaml:"off_payload"`
	Inverted       bool           `yaml:"inverted"`
	Initial        string         `yaml:"initial" validate:"omitempty,oneof=high low"`
	PublishInitial bool           `yaml:"publish_initial"`
	TimedSetMS     int            `yaml:"timed_set_ms" validate:"gte=0"`
	Retain         bool           `yaml:"retain"`
	HADiscovery    map[string]any `yaml:"ha_discovery"`
}

// SensorInput declares one value read from a sensor module. Driver specific
// keys (for example the measurement type) are kept in Options.
type SensorInput struct {
	Name            string         `yaml:"name" validate:"required"`
	Module          string         `yaml:"module" validate:"required"`
	IntervalSeconds int            `yaml:"interval" validate:"gte=1"`
	Digits          *int           `yaml:"digits" validate:"omitempty,gte=0,lte=10"`
	Retain          bool           `yaml:"retain"`
	HADiscovery     map[string]any `yaml:"ha_discovery"`
	Options         Options        `yaml:"-"`
}

type OptionsConfig struct {
	WorkerPoolSize    int `yaml:"worker_pool_size" validate:"gte=0"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type APIConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port" validate:"gte=0,lte=65535"`
	JWTSecret         string `yaml:"jwt_secret"`
	AdminUsername     string `yaml:"admin_username"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
	TokenExpiryHours  int    `yaml:"token_expiry_hours" validate:"gte=0"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms" validate:"gte=0"`
}

type JournalConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DSN             string `yaml:"dsn"`
	BatchSize       int    `yaml:"batch_size" validate:"gte=0"`
	FlushIntervalMS int    `yaml:"flush_interval_ms" validate:"gte=0"`
}

// Load reads configuration from file, applies defaults and environment
// variable overrides, then validates it.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document. Unknown keys are rejected except
// inside module and sensor input entries, which carry driver options.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks for environment variables with IOGATE_ prefix
func applyEnvOverrides(cfg *Config) {
	// Broker overrides
	if v := os.Getenv("IOGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("IOGATE_MQTT_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.MQTT.Port)
	}
	if v := os.Getenv("IOGATE_MQTT_USER"); v != "" {
		cfg.MQTT.User = v
	}
	if v := os.Getenv("IOGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	if v := os.Getenv("IOGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("IOGATE_API_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := os.Getenv("IOGATE_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
}

// ApplyDefaults fills unset values. It is idempotent.
func (c *Config) ApplyDefaults() {
	m := &c.MQTT
	if m.Port == 0 {
		m.Port = 1883
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "iogate"
	}
	m.TopicPrefix = strings.TrimRight(m.TopicPrefix, "/")
	if m.ClientID == "" {
		sum := sha1.Sum([]byte(m.TopicPrefix))
		m.ClientID = "iogate-" + hex.EncodeToString(sum[:])
	}
	if m.KeepaliveSeconds == 0 {
		m.KeepaliveSeconds = 10
	}
	if m.QoS == nil {
		m.QoS = intPtr(1)
	}
	if m.StatusTopic == "" {
		m.StatusTopic = "status"
	}
	if m.StatusPayloadRunning == "" {
		m.StatusPayloadRunning = "running"
	}
	if m.StatusPayloadStopped == "" {
		m.StatusPayloadStopped = "stopped"
	}
	if m.StatusPayloadDead == "" {
		m.StatusPayloadDead = "dead"
	}
	if m.ReconnectDelaySeconds == 0 {
		m.ReconnectDelaySeconds = 2
	}
	if m.HADiscovery.Prefix == "" {
		m.HADiscovery.Prefix = "homeassistant"
	}
	if m.HADiscovery.Name == "" {
		m.HADiscovery.Name = m.ClientID
	}

	for i := range c.DigitalInputs {
		in := &c.DigitalInputs[i]
		in.OnPayload, in.OffPayload = defaultPayloads(in.OnPayload, in.OffPayload)
		if in.PollIntervalSeconds == 0 {
			in.PollIntervalSeconds = 0.1
		}
	}
	for i := range c.DigitalOutputs {
		out := &c.DigitalOutputs[i]
		out.OnPayload, out.OffPayload = defaultPayloads(out.OnPayload, out.OffPayload)
		if out.Initial == "" {
			out.Initial = "low"
		}
	}
	for i := range c.SensorInputs {
		s := &c.SensorInputs[i]
		if s.IntervalSeconds == 0 {
			s.IntervalSeconds = 60
		}
		if s.Digits == nil {
			s.Digits = intPtr(2)
		}
	}
	for i := range c.StreamModules {
		if c.StreamModules[i].ReadIntervalMS == 0 {
			c.StreamModules[i].ReadIntervalMS = 100
		}
	}

	if c.Options.WorkerPoolSize == 0 {
		c.Options.WorkerPoolSize = 16
	}
	if c.Options.ShutdownTimeoutMS == 0 {
		c.Options.ShutdownTimeoutMS = 5000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.AdminUsername == "" {
		c.API.AdminUsername = "admin"
	}
	if c.API.TokenExpiryHours == 0 {
		c.API.TokenExpiryHours = 24
	}
	if c.API.ReadTimeoutMS == 0 {
		c.API.ReadTimeoutMS = 10000
	}
	if c.API.WriteTimeoutMS == 0 {
		c.API.WriteTimeoutMS = 10000
	}

	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = 100
	}
	if c.Journal.FlushIntervalMS == 0 {
		c.Journal.FlushIntervalMS = 1000
	}
}

func intPtr(v int) *int {
	return &v
}

func defaultPayloads(on, off string) (string, string) {
	if on == "" {
		on = "ON"
	}
	if off == "" {
		off = "OFF"
	}
	return on, off
}

// Keepalive returns the MQTT keepalive as a duration
func (m MQTTConfig) Keepalive() time.Duration {
	return time.Duration(m.KeepaliveSeconds) * time.Second
}

// QoSLevel returns the configured QoS, 1 when unset.
func (m MQTTConfig) QoSLevel() byte {
	if m.QoS == nil {
		return 1
	}
	return byte(*m.QoS)
}

// ReconnectDelay returns the pause between broker reconnect attempts
func (m MQTTConfig) ReconnectDelay() time.Duration {
	return time.Duration(m.ReconnectDelaySeconds) * time.Second
}

// CleanupEnabled reports whether the driver's Cleanup runs on shutdown.
func (m ModuleConfig) CleanupEnabled() bool {
	return m.Cleanup == nil || *m.Cleanup
}

// CleanupEnabled reports whether the driver's Cleanup runs on shutdown.
func (s StreamModule) CleanupEnabled() bool {
	return s.Cleanup == nil || *s.Cleanup
}

// ReadInterval returns the stream read interval as a duration
func (s StreamModule) ReadInterval() time.Duration {
	return time.Duration(s.ReadIntervalMS) * time.Millisecond
}

// PollInterval returns the input poll interval as a duration
func (d DigitalInput) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds * float64(time.Second))
}

// PollsWhenInterruptFor reports whether a remote interrupt source is also
// polled. Defaults to true.
func (d DigitalInput) PollsWhenInterruptFor() bool {
	return d.PollWhenInterruptFor == nil || *d.PollWhenInterruptFor
}

// TimedSet returns the automatic reset delay, zero when disabled.
func (d DigitalOutput) TimedSet() time.Duration {
	return time.Duration(d.TimedSetMS) * time.Millisecond
}

// Interval returns the sensor read interval as a duration
func (s SensorInput) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Precision returns the number of decimal places a value is rounded to.
func (s SensorInput) Precision() int {
	if s.Digits == nil {
		return 2
	}
	return *s.Digits
}

// ShutdownTimeout returns the bounded join timeout used on shutdown
func (o OptionsConfig) ShutdownTimeout() time.Duration {
	return time.Duration(o.ShutdownTimeoutMS) * time.Millisecond
}

// TokenExpiry returns JWT expiry as duration
func (a APIConfig) TokenExpiry() time.Duration {
	return time.Duration(a.TokenExpiryHours) * time.Hour
}

// ReadTimeout returns the read timeout as a duration
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.WriteTimeoutMS) * time.Millisecond
}

// FlushInterval returns the journal flush interval as a duration
func (j JournalConfig) FlushInterval() time.Duration {
	return time.Duration(j.FlushIntervalMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
