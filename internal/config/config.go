package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// PrometheusBind serves /metrics on a dedicated listener. Empty keeps it
	// on the main HTTP server only.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Speech      SpeechConfig     `yaml:"speech"`
	Engine      EngineConfig     `yaml:"engine"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Kafka       KafkaConfig      `yaml:"kafka"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SpeechConfig drives the session machine and the recognizer it talks to.
type SpeechConfig struct {
	Recognizer       string   `yaml:"recognizer"` // mock, exec, remote
	Command          string   `yaml:"command"`
	ModelPath        string   `yaml:"model_path"`
	DefaultLocale    string   `yaml:"default_locale"`
	SupportedLocales []string `yaml:"supported_locales"`
	GracePeriodMS    int      `yaml:"grace_period_ms"`
	MockStepMS       int      `yaml:"mock_step_ms"`
	PublishBridge    bool     `yaml:"publish_bridge"`
}

// EngineConfig applies to the remote recognizer reached over the bus.
type EngineConfig struct {
	RequestTimeout    int `yaml:"request_timeout_ms"`
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Principal string   `yaml:"principal"`
}

func Default() Config {
	return Config{
		RuntimeName: "speechd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Speech: SpeechConfig{
			Recognizer:       "mock",
			DefaultLocale:    "en_US",
			SupportedLocales: []string{"en_US", "en_GB", "de_DE", "es_ES", "fr_FR"},
			GracePeriodMS:    250,
			MockStepMS:       200,
			PublishBridge:    true,
		},
		Engine: EngineConfig{
			RequestTimeout:    2000,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/speechd-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Kafka: KafkaConfig{
			Enabled:   false,
			Topic:     "speech.events",
			Principal: "svc-speechd",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEECHD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECHD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEECHD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECHD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECHD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECHD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECHD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEECHD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SPEECHD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECHD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SPEECHD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECHD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECHD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECHD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECHD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECHD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECHD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Speech.Recognizer, "SPEECHD_SPEECH_RECOGNIZER")
	overrideString(&cfg.Speech.Command, "SPEECHD_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "SPEECHD_SPEECH_MODEL_PATH")
	overrideString(&cfg.Speech.DefaultLocale, "SPEECHD_SPEECH_DEFAULT_LOCALE")
	overrideStringSlice(&cfg.Speech.SupportedLocales, "SPEECHD_SPEECH_SUPPORTED_LOCALES")
	overrideInt(&cfg.Speech.GracePeriodMS, "SPEECHD_SPEECH_GRACE_PERIOD_MS")
	overrideInt(&cfg.Speech.MockStepMS, "SPEECHD_SPEECH_MOCK_STEP_MS")
	overrideBool(&cfg.Speech.PublishBridge, "SPEECHD_SPEECH_PUBLISH_BRIDGE")
	overrideInt(&cfg.Engine.RequestTimeout, "SPEECHD_ENGINE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Engine.HeartbeatInterval, "SPEECHD_ENGINE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Engine.HeartbeatTimeout, "SPEECHD_ENGINE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SPEECHD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SPEECHD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SPEECHD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SPEECHD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SPEECHD_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Kafka.Enabled, "SPEECHD_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Kafka.Brokers, "SPEECHD_KAFKA_BROKERS")
	overrideString(&cfg.Kafka.Topic, "SPEECHD_KAFKA_TOPIC")
	overrideString(&cfg.Kafka.Principal, "SPEECHD_KAFKA_PRINCIPAL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Speech.Recognizer {
	case "mock", "exec", "remote":
	default:
		return errors.New("speech.recognizer must be one of mock|exec|remote")
	}
	if cfg.Speech.Recognizer == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when recognizer=exec")
	}
	if cfg.Speech.DefaultLocale == "" {
		return errors.New("speech.default_locale must not be empty")
	}
	if cfg.Speech.GracePeriodMS < 0 {
		return errors.New("speech.grace_period_ms must be >= 0")
	}
	if cfg.Speech.Recognizer == "remote" {
		if cfg.Engine.RequestTimeout <= 0 {
			return errors.New("engine.request_timeout_ms must be positive")
		}
		if cfg.Engine.HeartbeatInterval <= 0 {
			return errors.New("engine.heartbeat_interval_ms must be positive")
		}
		if cfg.Engine.HeartbeatTimeout <= cfg.Engine.HeartbeatInterval {
			return errors.New("engine.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must not be empty when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return errors.New("kafka.topic must not be empty when kafka is enabled")
		}
	}
	return nil
}
