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
	PrometheusBind string `yaml:"prometheus_bind"` // optional dedicated metrics listener
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	Store       StoreConfig      `yaml:"store"`
	Journal     JournalConfig    `yaml:"journal"`
	Language    LanguageConfig   `yaml:"language"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Router      RouterConfig     `yaml:"router"`
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

// NodeConfig identifies this process on the bus. Heartbeats are only sent
// while the bus is enabled.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// StoreConfig selects the blob store that holds the persisted note state.
type StoreConfig struct {
	Backend      string `yaml:"backend"` // sqlite, file, kv, memory
	Path         string `yaml:"path"`
	Key          string `yaml:"key"`
	Bucket       string `yaml:"bucket"`
	Separator    string `yaml:"separator"`
	PersistTries uint   `yaml:"persist_tries"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LanguageConfig struct {
	DeviceLocale string `yaml:"device_locale"`
}

type RecorderConfig struct {
	MinDurationMS int    `yaml:"min_duration_ms"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	TempDir       string `yaml:"temp_dir"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, openai
	Command   string `yaml:"command"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	ModelPath string `yaml:"model_path"`
	MockText  string `yaml:"mock_text"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type ClassifierConfig struct {
	Placeholder  string `yaml:"placeholder_title"`
	TitleLength  int    `yaml:"title_length"`
	SystemPrompt string `yaml:"system_prompt"`
}

type RouterConfig struct {
	GenericTitle string `yaml:"generic_title"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-notes",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 25 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Node: NodeConfig{
			ID:                "notes-node-1",
			Role:              "notes",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Backend:      "sqlite",
			Path:         "./data/notes.db",
			Key:          "echonote-storage",
			Bucket:       "notes",
			Separator:    "\n",
			PersistTries: 3,
		},
		Journal: JournalConfig{
			Path:          "./data/journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Recorder: RecorderConfig{
			MinDurationMS: 1000,
			SampleRate:    16000,
			Channels:      1,
		},
		STT: STTConfig{
			Mode:      "mock",
			Endpoint:  "https://api.openai.com",
			Model:     "whisper-1",
			MockText:  "mock transcript",
			TimeoutMS: 60000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.2,
			TimeoutMS:   60000,
		},
		Classifier: ClassifierConfig{
			Placeholder: "Untitled Note",
			TitleLength: 30,
		},
		Router: RouterConfig{
			GenericTitle: "Voice Note",
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NOTES_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NOTES_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NOTES_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NOTES_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "NOTES_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "NOTES_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NOTES_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NOTES_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NOTES_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "NOTES_NODE_ID")
	overrideString(&cfg.Node.Role, "NOTES_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "NOTES_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NOTES_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "NOTES_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NOTES_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NOTES_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NOTES_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NOTES_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NOTES_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NOTES_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NOTES_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NOTES_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NOTES_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Backend, "NOTES_STORE_BACKEND")
	overrideString(&cfg.Store.Path, "NOTES_STORE_PATH")
	overrideString(&cfg.Store.Key, "NOTES_STORE_KEY")
	overrideString(&cfg.Store.Bucket, "NOTES_STORE_BUCKET")
	overrideString(&cfg.Journal.Path, "NOTES_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "NOTES_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "NOTES_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "NOTES_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "NOTES_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Language.DeviceLocale, "NOTES_DEVICE_LOCALE")
	overrideInt(&cfg.Recorder.MinDurationMS, "NOTES_RECORDER_MIN_DURATION_MS")
	overrideInt(&cfg.Recorder.SampleRate, "NOTES_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "NOTES_RECORDER_CHANNELS")
	overrideString(&cfg.Recorder.TempDir, "NOTES_RECORDER_TEMP_DIR")
	overrideString(&cfg.STT.Mode, "NOTES_STT_MODE")
	overrideString(&cfg.STT.Command, "NOTES_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "NOTES_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.STT.APIKey, "NOTES_STT_API_KEY")
	overrideString(&cfg.STT.Model, "NOTES_STT_MODEL")
	overrideString(&cfg.STT.ModelPath, "NOTES_STT_MODEL_PATH")
	overrideString(&cfg.STT.MockText, "NOTES_STT_MOCK_TEXT")
	overrideInt(&cfg.STT.TimeoutMS, "NOTES_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "NOTES_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "NOTES_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "NOTES_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "NOTES_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "NOTES_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "NOTES_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "NOTES_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "NOTES_LLM_TIMEOUT_MS")
	overrideString(&cfg.Classifier.Placeholder, "NOTES_CLASSIFIER_PLACEHOLDER_TITLE")
	overrideInt(&cfg.Classifier.TitleLength, "NOTES_CLASSIFIER_TITLE_LENGTH")
	overrideString(&cfg.Router.GenericTitle, "NOTES_ROUTER_GENERIC_TITLE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg *Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Store.Backend {
	case "sqlite", "file":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path must be set when backend=%s", cfg.Store.Backend)
		}
	case "kv":
		if !cfg.Bus.Enabled {
			return errors.New("store.backend=kv requires bus.enabled")
		}
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket must be set when backend=kv")
		}
	case "memory":
	default:
		return errors.New("store.backend must be one of sqlite|file|kv|memory")
	}
	if cfg.Store.Key == "" {
		return errors.New("store.key must not be empty")
	}
	if cfg.Store.PersistTries == 0 {
		cfg.Store.PersistTries = 1
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Recorder.MinDurationMS < 0 {
		return errors.New("recorder.min_duration_ms must be >= 0")
	}
	if cfg.Recorder.SampleRate <= 0 {
		return errors.New("recorder.sample_rate must be positive")
	}
	if cfg.Recorder.Channels <= 0 {
		return errors.New("recorder.channels must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=openai")
		}
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "openai":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=openai")
		}
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Classifier.TitleLength <= 0 {
		return errors.New("classifier.title_length must be positive")
	}
	if cfg.Classifier.Placeholder == "" {
		cfg.Classifier.Placeholder = "Untitled Note"
	}
	if cfg.Router.GenericTitle == "" {
		cfg.Router.GenericTitle = "Voice Note"
	}
	return nil
}
