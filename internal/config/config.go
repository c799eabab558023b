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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Backend     BackendConfig     `yaml:"backend"`
	Snapshots   SnapshotConfig    `yaml:"snapshots"`
	Journal     JournalConfig     `yaml:"journal"`
	Tabs        TabsConfig        `yaml:"tabs"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Player      PlayerConfig      `yaml:"player"`
	Extract     ExtractConfig     `yaml:"extract"`
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

type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type SnapshotConfig struct {
	Driver        string `yaml:"driver"` // jetstream, redis, memory
	Bucket        string `yaml:"bucket"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TabsConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

type GatewayConfig struct {
	Enabled       bool `yaml:"enabled"`
	StreamTimeout int  `yaml:"stream_timeout_ms"`
}

type CoordinatorConfig struct {
	Enabled        bool `yaml:"enabled"`
	CommandTimeout int  `yaml:"command_timeout_ms"`
	StateTimeout   int  `yaml:"state_timeout_ms"`
}

type PlayerConfig struct {
	Mode              string `yaml:"mode"` // auto, progressive, clip
	AppendThreshold   int    `yaml:"append_threshold"`
	PositionInterval  int    `yaml:"position_interval_ms"`
	SourceOpenTimeout int    `yaml:"source_open_timeout_ms"`
	ClockInterval     int    `yaml:"clock_interval_ms"`
}

type ExtractConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "autovoice-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 10000,
		},
		Snapshots: SnapshotConfig{
			Driver: "jetstream",
			Bucket: "autovoice-store",
		},
		Journal: JournalConfig{
			Path:          "./data/autovoice-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Tabs: TabsConfig{
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Gateway: GatewayConfig{
			Enabled:       true,
			StreamTimeout: 300000,
		},
		Coordinator: CoordinatorConfig{
			Enabled:        true,
			CommandTimeout: 3000,
			StateTimeout:   2000,
		},
		Player: PlayerConfig{
			Mode:              "auto",
			AppendThreshold:   3,
			PositionInterval:  250,
			SourceOpenTimeout: 3000,
			ClockInterval:     100,
		},
		Extract: ExtractConfig{
			Mode:    "mock",
			Timeout: 10000,
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
	overrideString(&cfg.RuntimeName, "AUTOVOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AUTOVOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AUTOVOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AUTOVOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AUTOVOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUTOVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUTOVOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "AUTOVOICE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "AUTOVOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUTOVOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUTOVOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUTOVOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUTOVOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUTOVOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUTOVOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUTOVOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUTOVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Backend.BaseURL, "AUTOVOICE_BACKEND_BASE_URL")
	overrideInt(&cfg.Backend.RequestTimeout, "AUTOVOICE_BACKEND_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Snapshots.Driver, "AUTOVOICE_SNAPSHOTS_DRIVER")
	overrideString(&cfg.Snapshots.Bucket, "AUTOVOICE_SNAPSHOTS_BUCKET")
	overrideString(&cfg.Snapshots.RedisAddr, "AUTOVOICE_SNAPSHOTS_REDIS_ADDR")
	overrideString(&cfg.Snapshots.RedisPassword, "AUTOVOICE_SNAPSHOTS_REDIS_PASSWORD")
	overrideInt(&cfg.Snapshots.RedisDB, "AUTOVOICE_SNAPSHOTS_REDIS_DB")
	overrideString(&cfg.Journal.Path, "AUTOVOICE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "AUTOVOICE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "AUTOVOICE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "AUTOVOICE_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "AUTOVOICE_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Tabs.HeartbeatInterval, "AUTOVOICE_TABS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Tabs.HeartbeatTimeout, "AUTOVOICE_TABS_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Gateway.Enabled, "AUTOVOICE_GATEWAY_ENABLED")
	overrideInt(&cfg.Gateway.StreamTimeout, "AUTOVOICE_GATEWAY_STREAM_TIMEOUT_MS")
	overrideBool(&cfg.Coordinator.Enabled, "AUTOVOICE_COORDINATOR_ENABLED")
	overrideInt(&cfg.Coordinator.CommandTimeout, "AUTOVOICE_COORDINATOR_COMMAND_TIMEOUT_MS")
	overrideInt(&cfg.Coordinator.StateTimeout, "AUTOVOICE_COORDINATOR_STATE_TIMEOUT_MS")
	overrideString(&cfg.Player.Mode, "AUTOVOICE_PLAYER_MODE")
	overrideInt(&cfg.Player.AppendThreshold, "AUTOVOICE_PLAYER_APPEND_THRESHOLD")
	overrideInt(&cfg.Player.PositionInterval, "AUTOVOICE_PLAYER_POSITION_INTERVAL_MS")
	overrideInt(&cfg.Player.SourceOpenTimeout, "AUTOVOICE_PLAYER_SOURCE_OPEN_TIMEOUT_MS")
	overrideInt(&cfg.Player.ClockInterval, "AUTOVOICE_PLAYER_CLOCK_INTERVAL_MS")
	overrideString(&cfg.Extract.Mode, "AUTOVOICE_EXTRACT_MODE")
	overrideString(&cfg.Extract.Command, "AUTOVOICE_EXTRACT_COMMAND")
	overrideInt(&cfg.Extract.Timeout, "AUTOVOICE_EXTRACT_TIMEOUT_MS")
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
		if cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 || cfg.Bus.Port < -1 {
			return errors.New("bus.port must be between 1 and 65535, or -1 for an ephemeral port, when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url must not be empty")
	}
	switch cfg.Snapshots.Driver {
	case "jetstream", "redis", "memory":
		// ok
	default:
		return errors.New("snapshots.driver must be one of jetstream|redis|memory")
	}
	if cfg.Snapshots.Driver == "jetstream" && cfg.Snapshots.Bucket == "" {
		return errors.New("snapshots.bucket must not be empty when driver=jetstream")
	}
	if cfg.Snapshots.Driver == "redis" && cfg.Snapshots.RedisAddr == "" {
		return errors.New("snapshots.redis_addr must not be empty when driver=redis")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Tabs.HeartbeatInterval <= 0 {
		return errors.New("tabs.heartbeat_interval_ms must be positive")
	}
	if cfg.Tabs.HeartbeatTimeout <= cfg.Tabs.HeartbeatInterval {
		return errors.New("tabs.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Gateway.Enabled && cfg.Gateway.StreamTimeout <= 0 {
		return errors.New("gateway.stream_timeout_ms must be positive when the gateway is enabled")
	}
	if cfg.Coordinator.Enabled {
		if cfg.Coordinator.CommandTimeout <= 0 {
			return errors.New("coordinator.command_timeout_ms must be positive")
		}
		if cfg.Coordinator.StateTimeout <= 0 {
			return errors.New("coordinator.state_timeout_ms must be positive")
		}
	}
	switch cfg.Player.Mode {
	case "auto", "progressive", "clip":
		// ok
	default:
		return errors.New("player.mode must be one of auto|progressive|clip")
	}
	if cfg.Player.AppendThreshold <= 0 {
		return errors.New("player.append_threshold must be >= 1")
	}
	if cfg.Player.PositionInterval < 0 {
		return errors.New("player.position_interval_ms must be >= 0")
	}
	if cfg.Player.SourceOpenTimeout <= 0 {
		return errors.New("player.source_open_timeout_ms must be positive")
	}
	if cfg.Player.ClockInterval <= 0 {
		return errors.New("player.clock_interval_ms must be positive")
	}
	switch cfg.Extract.Mode {
	case "mock", "exec":
		// ok
	default:
		return errors.New("extract.mode must be one of mock|exec")
	}
	if cfg.Extract.Mode == "exec" && cfg.Extract.Command == "" {
		return errors.New("extract.command must be set when mode=exec")
	}
	return nil
}
