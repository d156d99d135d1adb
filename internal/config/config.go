package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Service struct {
	BaseURL    string  `yaml:"base_url"`
	TimeoutMs  int     `yaml:"timeout_ms"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

func (s Service) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

type Services struct {
	Backend   string  `yaml:"backend"` // http | simulated
	Seed      int64   `yaml:"seed"`    // simulated backend only
	Scan      Service `yaml:"scan"`
	News      Service `yaml:"news"`
	Pattern   Service `yaml:"pattern"`
	Technical Service `yaml:"technical"`
	Risk      Service `yaml:"risk"`
	Execution Service `yaml:"execution"`
}

type Breaker struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

type Retry struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter"`
}

type Pipeline struct {
	Concurrency       int     `yaml:"concurrency"`
	StageFatalRatio   float64 `yaml:"stage_fatal_ratio"`
	ScanLimit         int     `yaml:"scan_limit"`
	NewsSurvivors     int     `yaml:"news_survivors"`
	PatternSurvivors  int     `yaml:"pattern_survivors"`
	TechnicalSurvivor int     `yaml:"technical_survivors"`
}

type Risk struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	RiskBudget             float64 `yaml:"risk_budget"` // per cycle, account currency
}

type Cycle struct {
	DefaultMode           string `yaml:"default_mode"`
	StopGraceMs           int    `yaml:"stop_grace_ms"`
	LiquidationTimeoutSec int    `yaml:"liquidation_timeout_seconds"`
	MonitorIntervalMs     int    `yaml:"monitor_interval_ms"`
	MonitorWindowSec      int    `yaml:"monitor_window_seconds"` // 0 = mode scan interval
	AutoStart             bool   `yaml:"auto_start"`
}

type Store struct {
	Driver   string `yaml:"driver"` // memory | postgres
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

type Audit struct {
	Path string `yaml:"path"` // JSONL file; empty disables
}

type Profiling struct {
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

type Root struct {
	ListenAddr string    `yaml:"listen_addr"`
	Services   Services  `yaml:"services"`
	Breaker    Breaker   `yaml:"circuit_breaker"`
	Retry      Retry     `yaml:"retry"`
	Pipeline   Pipeline  `yaml:"pipeline"`
	Risk       Risk      `yaml:"risk"`
	Cycle      Cycle     `yaml:"cycle"`
	Store      Store     `yaml:"store"`
	Audit      Audit     `yaml:"audit"`
	Profiling  Profiling `yaml:"profiling"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a fully defaulted config, used when no file is given
func Default() Root {
	var c Root
	c.ApplyDefaults()
	return c
}

func (c *Root) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}

	// Collaborators
	if c.Services.Backend == "" {
		c.Services.Backend = "simulated"
	}
	if c.Services.Seed == 0 {
		c.Services.Seed = 42
	}
	serviceDefaults(&c.Services.Scan, "http://localhost:8101", 10000)
	serviceDefaults(&c.Services.News, "http://localhost:8102", 3000)
	serviceDefaults(&c.Services.Pattern, "http://localhost:8103", 3000)
	serviceDefaults(&c.Services.Technical, "http://localhost:8104", 3000)
	serviceDefaults(&c.Services.Risk, "http://localhost:8105", 1000)
	serviceDefaults(&c.Services.Execution, "http://localhost:8106", 5000)

	// Circuit breaker
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSeconds == 0 {
		c.Breaker.WindowSeconds = 60
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 30
	}

	// Retry
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 100
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 2000
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.2
	}

	// Pipeline
	if c.Pipeline.Concurrency == 0 {
		c.Pipeline.Concurrency = 10
	}
	if c.Pipeline.StageFatalRatio == 0 {
		c.Pipeline.StageFatalRatio = 0.5
	}
	if c.Pipeline.ScanLimit == 0 {
		c.Pipeline.ScanLimit = 100
	}
	if c.Pipeline.NewsSurvivors == 0 {
		c.Pipeline.NewsSurvivors = 35
	}
	if c.Pipeline.PatternSurvivors == 0 {
		c.Pipeline.PatternSurvivors = 20
	}
	if c.Pipeline.TechnicalSurvivor == 0 {
		c.Pipeline.TechnicalSurvivor = 10
	}

	// Risk
	if c.Risk.MaxConcurrentPositions == 0 {
		c.Risk.MaxConcurrentPositions = 5
	}
	if c.Risk.RiskBudget == 0 {
		c.Risk.RiskBudget = 1000
	}

	// Cycle
	if c.Cycle.DefaultMode == "" {
		c.Cycle.DefaultMode = "normal"
	}
	if c.Cycle.StopGraceMs == 0 {
		c.Cycle.StopGraceMs = 5000
	}
	if c.Cycle.LiquidationTimeoutSec == 0 {
		c.Cycle.LiquidationTimeoutSec = 30
	}
	if c.Cycle.MonitorIntervalMs == 0 {
		c.Cycle.MonitorIntervalMs = 2000
	}

	// Store
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if c.Profiling.ApplicationName == "" {
		c.Profiling.ApplicationName = "cycle-coordinator"
	}
}

func serviceDefaults(s *Service, baseURL string, timeoutMs int) {
	if s.BaseURL == "" {
		s.BaseURL = baseURL
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = timeoutMs
	}
	if s.RatePerSec == 0 {
		s.RatePerSec = 50
	}
	if s.Burst == 0 {
		s.Burst = 20
	}
}

func (c Root) Validate() error {
	switch c.Services.Backend {
	case "http", "simulated":
	default:
		return fmt.Errorf("services.backend must be http or simulated, got %q", c.Services.Backend)
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	if c.Pipeline.StageFatalRatio <= 0 || c.Pipeline.StageFatalRatio > 1 {
		return fmt.Errorf("pipeline.stage_fatal_ratio must be in (0,1], got %.2f", c.Pipeline.StageFatalRatio)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1")
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return fmt.Errorf("risk.max_concurrent_positions must be >= 1")
	}
	if c.Risk.RiskBudget <= 0 {
		return fmt.Errorf("risk.risk_budget must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	return nil
}

func (c Cycle) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

func (c Cycle) LiquidationTimeout() time.Duration {
	return time.Duration(c.LiquidationTimeoutSec) * time.Second
}

func (c Cycle) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

func (c Cycle) MonitorWindow() time.Duration {
	return time.Duration(c.MonitorWindowSec) * time.Second
}
