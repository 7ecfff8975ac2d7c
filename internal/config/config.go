package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the single configuration surface for the engine. Every knob the
// loop consults lives here with an explicit default; there are no free-form
// option maps.
type Config struct {
	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Loop pacing and budgets
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Tool execution
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Context assembly
	Context ContextConfig `json:"context" mapstructure:"context"`

	// Session persistence
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory shared by all processes on this working directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelsConfig holds the dispatch rotation
type ModelsConfig struct {
	// Rotation is tried in order; models in cooldown are skipped
	Rotation    []string `json:"rotation" mapstructure:"rotation"`
	Temperature float64  `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int      `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries  int      `json:"max_retries" mapstructure:"max_retries"` // transient retries per model
}

// LoopConfig bounds the agent loop
type LoopConfig struct {
	MaxIterations          int     `json:"max_iterations" mapstructure:"max_iterations"`
	BonusIterations        int     `json:"bonus_iterations" mapstructure:"bonus_iterations"`   // added once when progress is detected
	IterationCeiling       int     `json:"iteration_ceiling" mapstructure:"iteration_ceiling"` // hard cap, extensions never exceed this
	ExtendOnProgress       bool    `json:"extend_on_progress" mapstructure:"extend_on_progress"`
	MomentumWindow         int     `json:"momentum_window" mapstructure:"momentum_window"`
	MomentumThreshold      float64 `json:"momentum_threshold" mapstructure:"momentum_threshold"`             // below this: slow down
	PauseThreshold         float64 `json:"pause_threshold" mapstructure:"pause_threshold"`                   // below this: pause for the user
	MaxConsecutiveFailures int     `json:"max_consecutive_failures" mapstructure:"max_consecutive_failures"` // stuck detector threshold
}

// ToolsConfig governs tool execution and autonomy
type ToolsConfig struct {
	AutoExecuteReads  bool          `json:"auto_execute_reads" mapstructure:"auto_execute_reads"`
	AutoExecuteWrites bool          `json:"auto_execute_writes" mapstructure:"auto_execute_writes"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxCallsPerTurn   int           `json:"max_calls_per_turn" mapstructure:"max_calls_per_turn"`
}

// ContextConfig bounds prompt assembly
type ContextConfig struct {
	BudgetTokens int `json:"budget_tokens" mapstructure:"budget_tokens"`
}

// SessionConfig governs persistence and housekeeping
type SessionConfig struct {
	ResumeMaxAge     time.Duration `json:"resume_max_age" mapstructure:"resume_max_age"`     // load_or_resume freshness window
	ArchiveAfter     time.Duration `json:"archive_after" mapstructure:"archive_after"`       // idle time before a session goes cold
	Retention        time.Duration `json:"retention" mapstructure:"retention"`               // archived sessions older than this are deleted
	CleanupSchedule  string        `json:"cleanup_schedule" mapstructure:"cleanup_schedule"` // cron expression
	LockRetryBackoff time.Duration `json:"lock_retry_backoff" mapstructure:"lock_retry_backoff"`
	LockTimeout      time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Rotation:    []string{"claude-sonnet-4", "gpt-4-turbo"},
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		Loop: LoopConfig{
			MaxIterations:          20,
			BonusIterations:        5,
			IterationCeiling:       40,
			ExtendOnProgress:       true,
			MomentumWindow:         20,
			MomentumThreshold:      0.5,
			PauseThreshold:         0.3,
			MaxConsecutiveFailures: 5,
		},
		Tools: ToolsConfig{
			AutoExecuteReads:  true,
			AutoExecuteWrites: false,
			Timeout:           60 * time.Second,
			MaxCallsPerTurn:   5,
		},
		Context: ContextConfig{
			BudgetTokens: 8000,
		},
		Session: SessionConfig{
			ResumeMaxAge:     time.Hour,
			ArchiveAfter:     7 * 24 * time.Hour,
			Retention:        30 * 24 * time.Hour,
			CleanupSchedule:  "@hourly",
			LockRetryBackoff: 50 * time.Millisecond,
			LockTimeout:      10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Autonomous returns a configuration tuned for long unattended runs
func Autonomous() *Config {
	cfg := DefaultConfig()
	cfg.Loop.MaxIterations = 30
	cfg.Loop.BonusIterations = 10
	cfg.Loop.IterationCeiling = 60
	cfg.Loop.MaxConsecutiveFailures = 7
	cfg.Tools.Timeout = 120 * time.Second
	cfg.Tools.MaxCallsPerTurn = 8
	cfg.Tools.AutoExecuteWrites = true
	return cfg
}

// Conservative returns a configuration for risky work: short runway, no
// extensions, nothing auto-executed beyond reads
func Conservative() *Config {
	cfg := DefaultConfig()
	cfg.Loop.MaxIterations = 10
	cfg.Loop.BonusIterations = 0
	cfg.Loop.IterationCeiling = 10
	cfg.Loop.ExtendOnProgress = false
	cfg.Loop.MaxConsecutiveFailures = 2
	cfg.Tools.Timeout = 30 * time.Second
	cfg.Tools.MaxCallsPerTurn = 3
	cfg.Tools.AutoExecuteWrites = false
	return cfg
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Models.Rotation) == 0 {
		return fmt.Errorf("model rotation cannot be empty")
	}
	for i, m := range c.Models.Rotation {
		if m == "" {
			return fmt.Errorf("model rotation entry %d is empty", i)
		}
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if c.Models.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive")
	}
	if c.Loop.IterationCeiling < c.Loop.MaxIterations {
		return fmt.Errorf("iteration ceiling (%d) below max iterations (%d)",
			c.Loop.IterationCeiling, c.Loop.MaxIterations)
	}
	if c.Loop.MomentumWindow <= 0 {
		return fmt.Errorf("momentum window must be positive")
	}
	if c.Loop.PauseThreshold > c.Loop.MomentumThreshold {
		return fmt.Errorf("pause threshold (%.2f) above momentum threshold (%.2f)",
			c.Loop.PauseThreshold, c.Loop.MomentumThreshold)
	}
	if c.Loop.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be positive")
	}

	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("tool timeout must be positive")
	}
	if c.Tools.MaxCallsPerTurn <= 0 {
		return fmt.Errorf("max calls per turn must be positive")
	}

	if c.Context.BudgetTokens <= 0 {
		return fmt.Errorf("context budget must be positive")
	}

	if c.Session.ResumeMaxAge <= 0 {
		return fmt.Errorf("resume max age must be positive")
	}

	return nil
}
