package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultMaxActive      = 3
	DefaultMaxSituational = 20
	DefaultMaxEventLog    = 50
	DefaultMaxArchive     = 30

	DefaultSituationalDecayRate = 0.01
	DefaultEventLogDecayRate    = 0.005
	DefaultArchiveDecayRate     = 0.001

	DefaultSummarizationHour   = 0
	DefaultMaxSummaryLength    = 80
	DefaultArchiveIntervalDays = 7

	DefaultMaxInjectedMemories  = 10
	DefaultMaxInjectedKnowledge = 5

	DefaultWeightTime       = 0.3
	DefaultWeightImportance = 0.3
	DefaultWeightKeyword    = 0.4
	DefaultWeightLayer      = 0.2
	DefaultWeightPinned     = 0.5
	DefaultWeightUserEdited = 0.3

	DefaultSummarizerProvider = ProviderOpenAI
	DefaultSummarizerModel    = "gpt-3.5-turbo"

	DefaultStorageDriver = StorageDriverSQLite
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 18791

	DefaultTickInterval        = "16ms"
	DefaultTicksPerStep        = 1
	DefaultMaxCallbacksPerTick = 5
	DefaultEventBufferSize     = 256

	DefaultAutosaveCron = "0 */5 * * * *"
)

const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

type Config struct {
	Memory     MemoryConfig     `json:"memory"`
	Injection  InjectionConfig  `json:"injection"`
	Summarizer SummarizerConfig `json:"summarizer"`
	Provider   ProviderConfig   `json:"provider"`
	Storage    StorageConfig    `json:"storage"`
	Gateway    GatewayConfig    `json:"gateway"`
	Clock      ClockConfig      `json:"clock"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
}

type MemoryConfig struct {
	MaxActive      int `json:"maxActive"`
	MaxSituational int `json:"maxSituational"`
	MaxEventLog    int `json:"maxEventLog"`
	MaxArchive     int `json:"maxArchive"`

	SituationalDecayRate float64 `json:"situationalDecayRate"`
	EventLogDecayRate    float64 `json:"eventLogDecayRate"`
	ArchiveDecayRate     float64 `json:"archiveDecayRate"`

	EnableDailySummarization bool `json:"enableDailySummarization"`
	SummarizationHour        int  `json:"summarizationHour"`
	UseAISummarization       bool `json:"useAISummarization"`
	MaxSummaryLength         int  `json:"maxSummaryLength"`

	EnableAutoArchive   bool `json:"enableAutoArchive"`
	ArchiveIntervalDays int  `json:"archiveIntervalDays"`

	EnableActionMemory       bool `json:"enableActionMemory"`
	EnableConversationMemory bool `json:"enableConversationMemory"`
}

type InjectionConfig struct {
	Enabled      bool          `json:"enabled"`
	MaxMemories  int           `json:"maxMemories"`
	MaxKnowledge int           `json:"maxKnowledge"`
	Weights      WeightsConfig `json:"weights"`
}

type WeightsConfig struct {
	Time       float64 `json:"time"`
	Importance float64 `json:"importance"`
	Keyword    float64 `json:"keyword"`
	Layer      float64 `json:"layer"`
	Pinned     float64 `json:"pinned"`
	UserEdited float64 `json:"userEdited"`
}

// SummarizerConfig holds the summarizer's own provider settings. They are
// used unless UseHostProvider is set and the host provider is complete.
type SummarizerConfig struct {
	UseHostProvider bool   `json:"useHostProvider"`
	Provider        string `json:"provider"`
	APIKey          string `json:"apiKey"`
	APIURL          string `json:"apiUrl,omitempty"`
	Model           string `json:"model"`
	CacheURL        string `json:"cacheUrl,omitempty"`
}

// ProviderConfig describes the host application's primary AI provider.
type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "OpenAI" (default), "DeepSeek" or "Google"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	DBPath string `json:"dbPath,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ClockConfig struct {
	TickInterval        string `json:"tickInterval"`
	TicksPerStep        int    `json:"ticksPerStep"`
	MaxCallbacksPerTick int    `json:"maxCallbacksPerTick"`
	EventBufferSize     int    `json:"eventBufferSize,omitempty"`
}

type ScheduleConfig struct {
	AutosaveCron    string `json:"autosaveCron"`
	DeepArchiveCron string `json:"deepArchiveCron,omitempty"`
	// SummarizeCron runs daily summarization on wall-clock time as well as
	// on the in-game schedule.
	SummarizeCron string `json:"summarizeCron,omitempty"`
}

type KnowledgeConfig struct {
	PacksDir string `json:"packsDir,omitempty"`
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxActive:                DefaultMaxActive,
		MaxSituational:           DefaultMaxSituational,
		MaxEventLog:              DefaultMaxEventLog,
		MaxArchive:               DefaultMaxArchive,
		SituationalDecayRate:     DefaultSituationalDecayRate,
		EventLogDecayRate:        DefaultEventLogDecayRate,
		ArchiveDecayRate:         DefaultArchiveDecayRate,
		EnableDailySummarization: true,
		SummarizationHour:        DefaultSummarizationHour,
		UseAISummarization:       true,
		MaxSummaryLength:         DefaultMaxSummaryLength,
		EnableAutoArchive:        true,
		ArchiveIntervalDays:      DefaultArchiveIntervalDays,
		EnableActionMemory:       true,
		EnableConversationMemory: true,
	}
}

func DefaultInjectionConfig() InjectionConfig {
	return InjectionConfig{
		Enabled:      true,
		MaxMemories:  DefaultMaxInjectedMemories,
		MaxKnowledge: DefaultMaxInjectedKnowledge,
		Weights: WeightsConfig{
			Time:       DefaultWeightTime,
			Importance: DefaultWeightImportance,
			Keyword:    DefaultWeightKeyword,
			Layer:      DefaultWeightLayer,
			Pinned:     DefaultWeightPinned,
			UserEdited: DefaultWeightUserEdited,
		},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Memory:    DefaultMemoryConfig(),
		Injection: DefaultInjectionConfig(),
		Summarizer: SummarizerConfig{
			UseHostProvider: true,
			Provider:        DefaultSummarizerProvider,
			Model:           DefaultSummarizerModel,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
			DBPath: filepath.Join(ConfigDir(), "data", "memory.db"),
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Clock: ClockConfig{
			TickInterval:        DefaultTickInterval,
			TicksPerStep:        DefaultTicksPerStep,
			MaxCallbacksPerTick: DefaultMaxCallbacksPerTick,
			EventBufferSize:     DefaultEventBufferSize,
		},
		Schedule: ScheduleConfig{
			AutosaveCron: DefaultAutosaveCron,
		},
		Knowledge: KnowledgeConfig{
			PacksDir: filepath.Join(ConfigDir(), "knowledge"),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".pawnmind")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	Normalize(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("PAWNMIND_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = ProviderOpenAI
		}
	}
	if url := os.Getenv("PAWNMIND_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("PAWNMIND_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if provider := os.Getenv("PAWNMIND_SUMMARIZER_PROVIDER"); provider != "" {
		cfg.Summarizer.Provider = provider
	}
	if key := os.Getenv("PAWNMIND_SUMMARIZER_API_KEY"); key != "" {
		cfg.Summarizer.APIKey = key
	}
	if url := os.Getenv("PAWNMIND_SUMMARIZER_API_URL"); url != "" {
		cfg.Summarizer.APIURL = url
	}
	if model := os.Getenv("PAWNMIND_SUMMARIZER_MODEL"); model != "" {
		cfg.Summarizer.Model = model
	}
	if useHost := os.Getenv("PAWNMIND_USE_HOST_PROVIDER"); useHost != "" {
		if parsed, err := strconv.ParseBool(useHost); err == nil {
			cfg.Summarizer.UseHostProvider = parsed
		}
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Summarizer.CacheURL = url
	}
	if driver := os.Getenv("PAWNMIND_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dbPath := os.Getenv("PAWNMIND_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.DSN = dsn
		if os.Getenv("PAWNMIND_STORAGE_DRIVER") == "" {
			cfg.Storage.Driver = StorageDriverPostgres
		}
	}
	if port := os.Getenv("PAWNMIND_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
}

// Normalize fills zero or out-of-range fields with defaults. Boolean toggles
// are left alone since false is a valid choice.
func Normalize(cfg *Config) {
	def := DefaultConfig()

	m := &cfg.Memory
	if m.MaxActive <= 0 {
		m.MaxActive = DefaultMaxActive
	}
	if m.MaxSituational <= 0 {
		m.MaxSituational = DefaultMaxSituational
	}
	if m.MaxEventLog <= 0 {
		m.MaxEventLog = DefaultMaxEventLog
	}
	if m.MaxArchive <= 0 {
		m.MaxArchive = DefaultMaxArchive
	}
	if m.SituationalDecayRate < 0 || m.SituationalDecayRate > 1 {
		m.SituationalDecayRate = DefaultSituationalDecayRate
	}
	if m.EventLogDecayRate < 0 || m.EventLogDecayRate > 1 {
		m.EventLogDecayRate = DefaultEventLogDecayRate
	}
	if m.ArchiveDecayRate < 0 || m.ArchiveDecayRate > 1 {
		m.ArchiveDecayRate = DefaultArchiveDecayRate
	}
	if m.SummarizationHour < 0 || m.SummarizationHour > 23 {
		m.SummarizationHour = DefaultSummarizationHour
	}
	if m.MaxSummaryLength <= 0 {
		m.MaxSummaryLength = DefaultMaxSummaryLength
	}
	if m.ArchiveIntervalDays <= 0 {
		m.ArchiveIntervalDays = DefaultArchiveIntervalDays
	}

	in := &cfg.Injection
	if in.MaxMemories <= 0 {
		in.MaxMemories = DefaultMaxInjectedMemories
	}
	if in.MaxKnowledge <= 0 {
		in.MaxKnowledge = DefaultMaxInjectedKnowledge
	}

	if strings.TrimSpace(cfg.Summarizer.Provider) == "" {
		cfg.Summarizer.Provider = DefaultSummarizerProvider
	}
	if strings.TrimSpace(cfg.Summarizer.Model) == "" {
		cfg.Summarizer.Model = DefaultSummarizerModel
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case StorageDriverPostgres:
		cfg.Storage.Driver = StorageDriverPostgres
	default:
		cfg.Storage.Driver = StorageDriverSQLite
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = def.Storage.DBPath
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}

	if cfg.Clock.TickInterval == "" {
		cfg.Clock.TickInterval = DefaultTickInterval
	}
	if cfg.Clock.TicksPerStep <= 0 {
		cfg.Clock.TicksPerStep = DefaultTicksPerStep
	}
	if cfg.Clock.MaxCallbacksPerTick <= 0 {
		cfg.Clock.MaxCallbacksPerTick = DefaultMaxCallbacksPerTick
	}
	if cfg.Clock.EventBufferSize <= 0 {
		cfg.Clock.EventBufferSize = DefaultEventBufferSize
	}

	if cfg.Schedule.AutosaveCron == "" {
		cfg.Schedule.AutosaveCron = DefaultAutosaveCron
	}
	if cfg.Knowledge.PacksDir == "" {
		cfg.Knowledge.PacksDir = def.Knowledge.PacksDir
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
