package config

import (
	"time"
)

// Config is the root configuration for the chatloom daemon.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Intake     IntakeConfig     `json:"intake"`
	Threads    ThreadsConfig    `json:"threads"`
	Formatter  FormatterConfig  `json:"formatter"`
	Classifier ClassifierConfig `json:"classifier"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Storage    StorageConfig    `json:"storage"`
	Services   ServicesConfig   `json:"services"`
	Server     ServerConfig     `json:"server"`
}

// ServicesConfig locates the external classify/respond services and the
// outbound delivery webhook. Empty URLs fall back to local degraded modes.
type ServicesConfig struct {
	ClassifyURL string `json:"classify_url,omitempty"` // external classifier endpoint
	ReplyURL    string `json:"reply_url,omitempty"`    // external reply-generation endpoint
	OutboundURL string `json:"outbound_url,omitempty"` // webhook receiving outbound replies
	Token       string `json:"-"`                      // from env CHATLOOM_SERVICE_TOKEN only
	TimeoutSecs int    `json:"timeout_secs"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env CHATLOOM_SERVER_TOKEN only
}

// AgentConfig identifies the system persona so intake can recognize
// messages addressed to it.
type AgentConfig struct {
	Name    string   `json:"name"`              // display name the bot answers to
	Aliases []string `json:"aliases,omitempty"` // additional names/nicknames
}

// IntakeConfig tunes the debounce buffer and per-conversation queue.
type IntakeConfig struct {
	DebounceMs       int `json:"debounce_ms"`     // quiet window before flush
	FlushCount       int `json:"flush_count"`     // buffer size triggering immediate flush
	BufferHardCap    int `json:"buffer_hard_cap"` // absolute buffer bound, oldest dropped beyond
	MergeCap         int `json:"merge_cap"`       // max messages in a backlog-merged batch
	StaleAfterMs     int `json:"stale_after_ms"`  // buffered longer than this → tagged stale
	DedupeTTLMinutes int `json:"dedupe_ttl_minutes"`
	DedupeMaxSize    int `json:"dedupe_max_size"`
}

// ThreadsConfig tunes the conversation tracker.
type ThreadsConfig struct {
	AssignThreshold  float64 `json:"assign_threshold"`   // min affinity score to join a thread
	MaxMessages      int     `json:"max_messages"`       // per-thread cap, oldest trimmed
	MaxActivePerKey  int     `json:"max_active_per_key"` // excess demoted to stale
	StaleAfterMin    int     `json:"stale_after_min"`    // active → stale
	DeadAfterMin     int     `json:"dead_after_min"`     // stale → dead (from stale transition)
	TickSeconds      int     `json:"tick_seconds"`       // lifecycle tick cadence
	SaveDebounceSecs int     `json:"save_debounce_secs"`
}

// FormatterConfig tunes context rendering windows.
type FormatterConfig struct {
	MaxInvolvedThreads   int `json:"max_involved_threads"`
	MaxBackgroundThreads int `json:"max_background_threads"`
	BackgroundTail       int `json:"background_tail"` // messages shown per background thread
	MaxPendingShown      int `json:"max_pending_shown"`
	ShortThreadMax       int `json:"short_thread_max"` // rendered in full at or below this
	WindowHead           int `json:"window_head"`      // leading messages in a long window
	WindowTail           int `json:"window_tail"`      // trailing messages in a long window
}

// ClassifierConfig tunes classification post-processing.
type ClassifierConfig struct {
	ConfidenceFloor float64 `json:"confidence_floor"` // below this, stale respond → context
}

// DispatchConfig tunes outbound admission control.
type DispatchConfig struct {
	MaxThreadsPerCycle int `json:"max_threads_per_cycle"` // multi-thread replies per batch
	RateLimitRPM       int `json:"rate_limit_rpm"`        // per-conversation outbound rate
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	DataDir    string `json:"data_dir"`             // thread snapshots + archive
	HistoryDB  string `json:"history_db,omitempty"` // sqlite history log path (default: <data_dir>/history.db)
	Checkpoint string `json:"checkpoint,omitempty"` // cron expression for forced snapshots
}

// DebounceWindow returns the intake quiet window as a duration.
func (c IntakeConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// StaleAfter returns how long a message may sit buffered before it is
// tagged stale.
func (c IntakeConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// StaleAfter returns the active → stale lull duration.
func (c ThreadsConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMin) * time.Minute
}

// DeadAfter returns the stale → dead duration, measured from the stale
// transition point.
func (c ThreadsConfig) DeadAfter() time.Duration {
	return time.Duration(c.DeadAfterMin) * time.Minute
}

// SaveDebounce returns the minimum gap between dirty-state snapshots.
func (c ThreadsConfig) SaveDebounce() time.Duration {
	return time.Duration(c.SaveDebounceSecs) * time.Second
}

// Tick returns the lifecycle tick cadence.
func (c ThreadsConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}
