package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv carries the synthesis engine credential.
const APIKeyEnv = "TTS_API_KEY"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
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
	Engine      EngineConfig     `yaml:"engine"`
	Generation  GenerationConfig `yaml:"generation"`
	Audio       AudioConfig      `yaml:"audio"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

type EngineConfig struct {
	Mode       string      `yaml:"mode"` // cartesia, exec, mock
	APIKey     string      `yaml:"api_key"`
	BaseURL    string      `yaml:"base_url"`
	APIVersion string      `yaml:"api_version"`
	Command    string      `yaml:"command"`
	MockVoices []MockVoice `yaml:"mock_voices"`
}

type MockVoice struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

type GenerationConfig struct {
	ModelID      string `yaml:"model_id"`
	DataRType    string `yaml:"data_rtype"`
	OutputFormat string `yaml:"output_format"`
}

type AudioConfig struct {
	BitDepth int `yaml:"bit_depth"`
	Channels int `yaml:"channels"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicegate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Engine: EngineConfig{
			Mode:    "cartesia",
			BaseURL: "https://api.cartesia.ai/v0",
			MockVoices: []MockVoice{
				{Name: "alex", ID: "mock-alex"},
			},
		},
		Generation: GenerationConfig{
			ModelID:      "upbeat-moon",
			DataRType:    "array",
			OutputFormat: "fp32",
		},
		Audio: AudioConfig{
			BitDepth: 16,
			Channels: 1,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicegate-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRecords:    100000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
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
	overrideString(&cfg.RuntimeName, "VOICEGATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEGATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEGATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEGATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEGATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEGATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEGATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "VOICEGATE_TELEMETRY_METRICS_PATH")
	overrideString(&cfg.Engine.Mode, "VOICEGATE_ENGINE_MODE")
	overrideString(&cfg.Engine.APIKey, APIKeyEnv)
	overrideString(&cfg.Engine.BaseURL, "VOICEGATE_ENGINE_BASE_URL")
	overrideString(&cfg.Engine.APIVersion, "VOICEGATE_ENGINE_API_VERSION")
	overrideString(&cfg.Engine.Command, "VOICEGATE_ENGINE_COMMAND")
	overrideString(&cfg.Generation.ModelID, "VOICEGATE_GENERATION_MODEL_ID")
	overrideString(&cfg.Generation.OutputFormat, "VOICEGATE_GENERATION_OUTPUT_FORMAT")
	overrideInt(&cfg.Audio.BitDepth, "VOICEGATE_AUDIO_BIT_DEPTH")
	overrideInt(&cfg.Audio.Channels, "VOICEGATE_AUDIO_CHANNELS")
	overrideString(&cfg.EventStore.Path, "VOICEGATE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEGATE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEGATE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "VOICEGATE_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEGATE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "VOICEGATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEGATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEGATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEGATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEGATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEGATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEGATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEGATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEGATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEGATE_BUS_CONNECT_TIMEOUT_MS")
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

// reservedRoutes are served by the gateway itself.
var reservedRoutes = []string{"/tts", "/voices", "/requests", "/healthz", "/readyz"}

// shadowsRoute reports whether path equals a reserved route, sits under
// one, or would catch everything.
func shadowsRoute(path string) (string, bool) {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "/", true
	}
	for _, route := range reservedRoutes {
		if trimmed == route || strings.HasPrefix(trimmed, route+"/") {
			return route, true
		}
	}
	return "", false
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if route, ok := shadowsRoute(cfg.Telemetry.MetricsPath); ok {
		return fmt.Errorf("telemetry.metrics_path %s collides with gateway route %s", cfg.Telemetry.MetricsPath, route)
	}
	switch cfg.Engine.Mode {
	case "cartesia":
		if strings.TrimSpace(cfg.Engine.APIKey) == "" {
			return fmt.Errorf("%s must be set when engine.mode=cartesia", APIKeyEnv)
		}
		if cfg.Engine.BaseURL == "" {
			return errors.New("engine.base_url must be set when engine.mode=cartesia")
		}
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when engine.mode=exec")
		}
	case "mock":
		if len(cfg.Engine.MockVoices) == 0 {
			return errors.New("engine.mock_voices must not be empty when engine.mode=mock")
		}
	default:
		return errors.New("engine.mode must be one of cartesia|exec|mock")
	}
	if cfg.Generation.ModelID == "" {
		return errors.New("generation.model_id must not be empty")
	}
	if cfg.Generation.DataRType != "array" {
		return errors.New("generation.data_rtype must be array")
	}
	switch cfg.Generation.OutputFormat {
	case "fp32", "pcm":
	default:
		return errors.New("generation.output_format must be one of fp32|pcm")
	}
	switch cfg.Audio.BitDepth {
	case 8, 16, 24, 32:
	default:
		return errors.New("audio.bit_depth must be one of 8|16|24|32")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
