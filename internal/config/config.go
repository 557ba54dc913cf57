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
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	TraceFile     string `yaml:"trace_file"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Palette     PaletteConfig   `yaml:"palette"`
	Display     DisplayConfig   `yaml:"display"`
	Listener    ListenerConfig  `yaml:"listener"`
	Relay       RelayConfig     `yaml:"relay"`
	STT         STTConfig       `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

// PaletteConfig points at an xkcd-format color dataset. An empty path
// selects the embedded default.
type PaletteConfig struct {
	Path string `yaml:"path"`
}

type DisplayConfig struct {
	Mode         string `yaml:"mode"` // tui, headless
	FrameRate    int    `yaml:"frame_rate"`
	UnitsPerCell int    `yaml:"units_per_cell"`
	Autostart    bool   `yaml:"autostart"`
	QueueSize    int    `yaml:"queue_size"`
}

type ListenerConfig struct {
	Subject        string `yaml:"subject"`
	RecognizerName string `yaml:"recognizer_capability"`
}

type RelayConfig struct {
	Enabled        bool `yaml:"enabled"`
	IncludePartial bool `yaml:"include_partial"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "speechviz",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8087,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFile:       "speechviz.log",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "speechviz-1",
			Role:              "display",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "display.canvas", Tier: "local"},
			},
		},
		Display: DisplayConfig{
			Mode:         "tui",
			FrameRate:    60,
			UnitsPerCell: 8,
			QueueSize:    64,
		},
		Listener: ListenerConfig{
			Subject:        "stt.text.*",
			RecognizerName: "stt.transcribe",
		},
		Relay: RelayConfig{
			Enabled: true,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "en-US",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
			TimeoutMS:       45000,
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
	overrideString(&cfg.RuntimeName, "SPEECHVIZ_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECHVIZ_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "SPEECHVIZ_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "SPEECHVIZ_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECHVIZ_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECHVIZ_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "SPEECHVIZ_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.TraceExporter, "SPEECHVIZ_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.TraceFile, "SPEECHVIZ_TELEMETRY_TRACE_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECHVIZ_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECHVIZ_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SPEECHVIZ_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECHVIZ_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECHVIZ_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECHVIZ_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECHVIZ_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECHVIZ_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECHVIZ_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECHVIZ_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SPEECHVIZ_NODE_ID")
	overrideString(&cfg.Node.Role, "SPEECHVIZ_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SPEECHVIZ_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SPEECHVIZ_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Palette.Path, "SPEECHVIZ_PALETTE_PATH")
	overrideString(&cfg.Display.Mode, "SPEECHVIZ_DISPLAY_MODE")
	overrideInt(&cfg.Display.FrameRate, "SPEECHVIZ_DISPLAY_FRAME_RATE")
	overrideInt(&cfg.Display.UnitsPerCell, "SPEECHVIZ_DISPLAY_UNITS_PER_CELL")
	overrideBool(&cfg.Display.Autostart, "SPEECHVIZ_DISPLAY_AUTOSTART")
	overrideInt(&cfg.Display.QueueSize, "SPEECHVIZ_DISPLAY_QUEUE_SIZE")
	overrideString(&cfg.Listener.Subject, "SPEECHVIZ_LISTENER_SUBJECT")
	overrideString(&cfg.Listener.RecognizerName, "SPEECHVIZ_LISTENER_RECOGNIZER_CAPABILITY")
	overrideBool(&cfg.Relay.Enabled, "SPEECHVIZ_RELAY_ENABLED")
	overrideBool(&cfg.Relay.IncludePartial, "SPEECHVIZ_RELAY_INCLUDE_PARTIAL")
	overrideBool(&cfg.STT.Enabled, "SPEECHVIZ_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SPEECHVIZ_STT_MODE")
	overrideString(&cfg.STT.Command, "SPEECHVIZ_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SPEECHVIZ_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SPEECHVIZ_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SPEECHVIZ_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SPEECHVIZ_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "SPEECHVIZ_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "SPEECHVIZ_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "SPEECHVIZ_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "SPEECHVIZ_STT_TIMEOUT_MS")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	switch cfg.Display.Mode {
	case "tui", "headless":
	default:
		return errors.New("display.mode must be one of tui|headless")
	}
	if cfg.Display.FrameRate <= 0 || cfg.Display.FrameRate > 240 {
		return errors.New("display.frame_rate must be between 1 and 240")
	}
	if cfg.Display.UnitsPerCell <= 0 {
		return errors.New("display.units_per_cell must be positive")
	}
	if cfg.Display.QueueSize <= 0 {
		return errors.New("display.queue_size must be positive")
	}
	if cfg.Listener.Subject == "" {
		return errors.New("listener.subject must not be empty")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	return nil
}
