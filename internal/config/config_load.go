package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "bot",
		},
		Intake: IntakeConfig{
			DebounceMs:       1000,
			FlushCount:       15,
			BufferHardCap:    50,
			MergeCap:         30,
			StaleAfterMs:     20000,
			DedupeTTLMinutes: 20,
			DedupeMaxSize:    5000,
		},
		Threads: ThreadsConfig{
			AssignThreshold:  0.5,
			MaxMessages:      50,
			MaxActivePerKey:  6,
			StaleAfterMin:    10,
			DeadAfterMin:     30,
			TickSeconds:      30,
			SaveDebounceSecs: 15,
		},
		Formatter: FormatterConfig{
			MaxInvolvedThreads:   5,
			MaxBackgroundThreads: 3,
			BackgroundTail:       3,
			MaxPendingShown:      5,
			ShortThreadMax:       6,
			WindowHead:           2,
			WindowTail:           4,
		},
		Classifier: ClassifierConfig{
			ConfidenceFloor: 0.6,
		},
		Dispatch: DispatchConfig{
			MaxThreadsPerCycle: 3,
			RateLimitRPM:       20,
		},
		Storage: StorageConfig{
			DataDir: "~/.chatloom",
		},
		Services: ServicesConfig{
			TimeoutSecs: 30,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18990,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CHATLOOM_AGENT_NAME", &c.Agent.Name)
	envStr("CHATLOOM_CLASSIFY_URL", &c.Services.ClassifyURL)
	envStr("CHATLOOM_REPLY_URL", &c.Services.ReplyURL)
	envStr("CHATLOOM_OUTBOUND_URL", &c.Services.OutboundURL)
	envStr("CHATLOOM_SERVICE_TOKEN", &c.Services.Token)
	envStr("CHATLOOM_SERVER_TOKEN", &c.Server.Token)
	envInt("CHATLOOM_PORT", &c.Server.Port)
	envStr("CHATLOOM_DATA_DIR", &c.Storage.DataDir)
	envStr("CHATLOOM_HISTORY_DB", &c.Storage.HistoryDB)
	envInt("CHATLOOM_DEBOUNCE_MS", &c.Intake.DebounceMs)
	envInt("CHATLOOM_FLUSH_COUNT", &c.Intake.FlushCount)
	envInt("CHATLOOM_MERGE_CAP", &c.Intake.MergeCap)
	envInt("CHATLOOM_RATE_LIMIT_RPM", &c.Dispatch.RateLimitRPM)
}

// HistoryDBPath resolves the history database location, defaulting to
// history.db under the data directory.
func (c *Config) HistoryDBPath() string {
	if c.Storage.HistoryDB != "" {
		return ExpandHome(c.Storage.HistoryDB)
	}
	return filepath.Join(ExpandHome(c.Storage.DataDir), "history.db")
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
