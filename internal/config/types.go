package config

// Config is the daemon configuration file.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Omitted fields
// fall back to the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Gemini    *GeminiConfig   `json:"gemini,omitempty"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the action store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chronobot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the scheduler loop. Everything here except
// enabled-at-start is applied without a restart.
//
// SpawnOnExpire is a pointer so an omitted key keeps the default (true)
// while an explicit false is honoured.
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	Interval         string `json:"interval,omitempty"`
	Workers          int    `json:"workers,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	ExecutionTimeout string `json:"execution_timeout,omitempty"`
	SpawnOnExpire    *bool  `json:"spawn_on_expire,omitempty"`

	MinRetryDelay       string `json:"min_retry_delay,omitempty"`
	MaxRetryDelay       string `json:"max_retry_delay,omitempty"`
	DefaultRetryDelay   string `json:"default_retry_delay,omitempty"`
	TransientRetryDelay string `json:"transient_retry_delay,omitempty"`

	// Retention prunes completed/expired actions older than this; "0s" keeps them.
	Retention         string `json:"retention,omitempty"`
	RetentionSchedule string `json:"retention_schedule,omitempty"`
}

// SpawnsOnExpire resolves the pointer default.
func (s SchedulerConfig) SpawnsOnExpire() bool {
	return s.SpawnOnExpire == nil || *s.SpawnOnExpire
}

type ExecutorConfig struct {
	Timeout        string `json:"timeout,omitempty"`
	SenseTimeout   string `json:"sense_timeout,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`

	// CircuitTripFailures: 0 means default, negative disables the breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// GeminiConfig enables the Gemini judgment provider. The API key may be left
// empty and supplied through GEMINI_API_KEY instead.
type GeminiConfig struct {
	APIKey          string  `json:"api_key,omitempty"`
	Model           string  `json:"model,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
	InstructionFile string  `json:"instruction_file,omitempty"`
}

// TelegramConfig enables the Telegram effector.
type TelegramConfig struct {
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}
