package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yoredale/mqtt-wunderground-publish/internal/weather"
)

const (
	DefaultUploadURL = "https://weatherstation.wunderground.com/weatherstation/updateweatherstation.php"

	defaultBroker  = "localhost"
	clientIDPrefix = "mqtt-wunderground-"
)

// ErrMissing is returned when a required environment variable is unset or blank.
var ErrMissing = errors.New("required environment variable not set")

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	MQTTBroker    string
	MQTTPort      int
	MQTTUsername  string
	MQTTPassword  string
	MQTTClientID  string
	MQTTKeepAlive time.Duration

	// BrokerDefaulted is set when MQTT_URL was absent and the broker fell back to localhost.
	BrokerDefaulted bool

	Topic   string
	Variant weather.Variant

	StationID     string
	StationKey    string
	UploadURL     string
	UploadTimeout time.Duration

	// HTTPAddr enables the health endpoint when non-empty.
	HTTPAddr string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	mqttBroker := defaultBroker
	brokerDefaulted := true
	if raw := strings.TrimSpace(os.Getenv("MQTT_URL")); raw != "" {
		mqttBroker, err = parseBrokerHost(raw)
		if err != nil {
			return Config{}, err
		}
		brokerDefaulted = false
	}

	mqttPortStr := strings.TrimSpace(os.Getenv("MQTT_PORT"))
	if mqttPortStr == "" {
		mqttPortStr = "1883"
	}
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT out of range: %d", mqttPort)
	}

	// Unique per process so two bridges on one broker do not kick each other off.
	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = clientIDPrefix + uuid.NewString()[:8]
	}

	keepAliveStr := strings.TrimSpace(os.Getenv("MQTT_KEEPALIVE"))
	if keepAliveStr == "" {
		keepAliveStr = "60s"
	}
	keepAlive, err := time.ParseDuration(keepAliveStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_KEEPALIVE %q: %w", keepAliveStr, err)
	}
	if keepAlive <= 0 {
		return Config{}, fmt.Errorf("MQTT_KEEPALIVE must be positive, got %v", keepAlive)
	}

	topic, err := required("CONFIG_TOPIC")
	if err != nil {
		return Config{}, err
	}
	stationID, err := required("CONFIG_WU_ID")
	if err != nil {
		return Config{}, err
	}
	stationKey, err := required("CONFIG_WU_KEY")
	if err != nil {
		return Config{}, err
	}

	variantStr := strings.ToLower(strings.TrimSpace(os.Getenv("READING_VARIANT")))
	if variantStr == "" {
		variantStr = string(weather.VariantNested)
	}
	variant := weather.Variant(variantStr)
	switch variant {
	case weather.VariantNested, weather.VariantFlat:
	default:
		return Config{}, fmt.Errorf("invalid READING_VARIANT %q (allowed: nested, flat)", variantStr)
	}

	uploadURL := strings.TrimSpace(os.Getenv("WU_URL"))
	if uploadURL == "" {
		uploadURL = DefaultUploadURL
	}
	if u, err := url.Parse(uploadURL); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("invalid WU_URL %q", uploadURL)
	}

	uploadTimeoutStr := strings.TrimSpace(os.Getenv("WU_TIMEOUT"))
	if uploadTimeoutStr == "" {
		uploadTimeoutStr = "10s"
	}
	uploadTimeout, err := time.ParseDuration(uploadTimeoutStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WU_TIMEOUT %q: %w", uploadTimeoutStr, err)
	}
	if uploadTimeout <= 0 {
		return Config{}, fmt.Errorf("WU_TIMEOUT must be positive, got %v", uploadTimeout)
	}

	return Config{
		AppEnv:          appEnv,
		LogLevel:        level,
		MQTTBroker:      mqttBroker,
		MQTTPort:        mqttPort,
		MQTTUsername:    strings.TrimSpace(os.Getenv("MQTT_USR")),
		MQTTPassword:    os.Getenv("MQTT_PWD"),
		MQTTClientID:    mqttClientID,
		MQTTKeepAlive:   keepAlive,
		BrokerDefaulted: brokerDefaulted,
		Topic:           topic,
		Variant:         variant,
		StationID:       stationID,
		StationKey:      stationKey,
		UploadURL:       uploadURL,
		UploadTimeout:   uploadTimeout,
		HTTPAddr:        strings.TrimSpace(os.Getenv("HTTP_ADDR")),
	}, nil
}

func required(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, name)
	}
	return v, nil
}

// parseBrokerHost extracts the host from MQTT_URL (tcp://host:port).
// A bare host or host:port is accepted as well.
func parseBrokerHost(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid MQTT_URL %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("invalid MQTT_URL %q: missing host", raw)
	}
	return host, nil
}

// parseLogLevel accepts slog level names, case-insensitive and with an
// optional offset ("debug", "WARN", "info+2"), plus "warning".
func parseLogLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error, optionally +N or -N): %w", s, err)
	}
	return level, nil
}
