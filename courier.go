// Package courier is an in-process message dispatcher that routes
// typed messages between registered agents and wraps every dispatch in
// a configurable chain of resilience middleware: validation, rate
// limiting, caching, retries and circuit breaking.
package courier

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/courier-dev/courier/agent"
	"github.com/courier-dev/courier/dispatch"
	"github.com/courier-dev/courier/middleware"
	"github.com/courier-dev/courier/routing"
)

// Duration wraps time.Duration for yaml parsing ("5s", "1m30s").
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the top-level system definition.
type Config struct {
	Agents     []AgentDef       `yaml:"agents"`
	Routes     []RouteDef       `yaml:"routes"`
	Middleware MiddlewareConfig `yaml:"middleware,omitempty"`

	// MaintenanceSchedule runs cache sweeps and gauge refreshes on a
	// cron schedule (e.g. "@every 1m"). Empty disables maintenance.
	MaintenanceSchedule string `yaml:"maintenance_schedule,omitempty"`
}

// AgentDef declares one agent. Handlers are supplied in code when the
// system is built; the definition carries everything else.
type AgentDef struct {
	Name          string   `yaml:"name"`
	DisplayName   string   `yaml:"display_name,omitempty"`
	Capabilities  []string `yaml:"capabilities,omitempty"`
	MaxConcurrent int      `yaml:"max_concurrent,omitempty"`
}

// RouteDef declares one routing rule. Either Target names an agent
// directly, or TargetCapability picks the first registered agent with
// that capability.
type RouteDef struct {
	ID               string    `yaml:"id,omitempty"`
	Name             string    `yaml:"name"`
	Priority         int       `yaml:"priority,omitempty"`
	Target           string    `yaml:"target,omitempty"`
	TargetCapability string    `yaml:"target_capability,omitempty"`
	When             RouteWhen `yaml:"when,omitempty"`
}

// RouteWhen is the declarative predicate for a configured route.
// All set conditions must hold.
type RouteWhen struct {
	Sender          string `yaml:"sender,omitempty"`
	Category        string `yaml:"category,omitempty"`
	SubjectContains string `yaml:"subject_contains,omitempty"`
	MinPriority     string `yaml:"min_priority,omitempty"`
}

// MiddlewareConfig selects and tunes the resilience layers. A nil
// section disables that layer; validation defaults to on.
type MiddlewareConfig struct {
	DisableValidation bool                  `yaml:"disable_validation,omitempty"`
	RateLimit         *RateLimitConfig      `yaml:"rate_limit,omitempty"`
	Cache             *CacheConfig          `yaml:"cache,omitempty"`
	CircuitBreaker    *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	Retry             *RetryConfig          `yaml:"retry,omitempty"`
}

type RateLimitConfig struct {
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
	// GlobalPerSecond adds a process-wide token bucket when > 0.
	GlobalPerSecond float64 `yaml:"global_per_second,omitempty"`
	GlobalBurst     int     `yaml:"global_burst,omitempty"`
}

type CacheConfig struct {
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries,omitempty"`
	// Backend is "memory" (default) or "redis".
	Backend string                 `yaml:"backend,omitempty"`
	Redis   middleware.RedisConfig `yaml:"redis,omitempty"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
}

// FileReader reads config files; a seam for tests.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config input
}

// ConfigLoader loads system configuration from a yaml file.
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a config loader.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads and parses a config file.
func (cl *ConfigLoader) LoadConfig(path string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// System bundles the wired dispatcher with its registry, router and
// maintenance janitor.
type System struct {
	Registry   *agent.Registry
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher

	janitor    *dispatch.Janitor
	cacheStore middleware.Store
	closers    []func() error
}

// New builds a System from config. handlers maps agent names to their
// processing functions; every configured agent needs one.
func New(cfg *Config, handlers map[string]agent.HandlerFunc, opts ...dispatch.Option) (*System, error) {
	sys := &System{
		Registry: agent.NewRegistry(),
		Router:   routing.NewRouter(nil),
	}

	for _, def := range cfg.Agents {
		fn, ok := handlers[def.Name]
		if !ok {
			return nil, fmt.Errorf("no handler supplied for agent %s", def.Name)
		}
		a := agent.NewFuncAgent(def.Name, def.DisplayName, def.Capabilities, def.MaxConcurrent, fn)
		if err := sys.Registry.Register(a); err != nil {
			return nil, fmt.Errorf("failed to register agent %s: %w", def.Name, err)
		}
		log.Printf("courier: registered agent %s (capabilities: %v, max concurrent: %d)",
			def.Name, def.Capabilities, a.MaxConcurrent())
	}

	for _, def := range cfg.Routes {
		rule, err := sys.compileRoute(def)
		if err != nil {
			return nil, err
		}
		if err := sys.Router.AddRule(rule); err != nil {
			return nil, fmt.Errorf("failed to add route %s: %w", def.Name, err)
		}
	}

	pipe, err := sys.buildPipeline(cfg.Middleware)
	if err != nil {
		return nil, err
	}

	sys.Dispatcher = dispatch.New(sys.Registry, sys.Router, pipe, opts...)

	if cfg.MaintenanceSchedule != "" {
		sys.janitor = dispatch.NewJanitor()
		if sys.cacheStore != nil {
			if err := sys.janitor.SweepCache(cfg.MaintenanceSchedule, sys.cacheStore); err != nil {
				return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
			}
		}
		if err := sys.janitor.RefreshGauges(cfg.MaintenanceSchedule, sys.Dispatcher); err != nil {
			return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
		}
	}

	return sys, nil
}

// compileRoute turns a declarative route definition into a rule with a
// predicate over the routing context.
func (sys *System) compileRoute(def RouteDef) (routing.Rule, error) {
	target := def.Target
	if target == "" && def.TargetCapability != "" {
		capable := sys.Registry.FindByCapability(def.TargetCapability)
		if len(capable) == 0 {
			return routing.Rule{}, fmt.Errorf("route %s: no agent with capability %s", def.Name, def.TargetCapability)
		}
		target = capable[0].Name()
	}
	if target == "" {
		return routing.Rule{}, fmt.Errorf("route %s: target or target_capability is required", def.Name)
	}

	when := def.When
	minPriority := agent.PriorityLow
	hasMinPriority := when.MinPriority != ""
	if hasMinPriority {
		minPriority = agent.ParsePriority(when.MinPriority)
	}

	predicate := func(rctx *routing.Context) bool {
		if when.Sender != "" && rctx.Sender != when.Sender {
			return false
		}
		if when.Category != "" && rctx.Category != when.Category {
			return false
		}
		if when.SubjectContains != "" && !strings.Contains(rctx.Subject, when.SubjectContains) {
			return false
		}
		if hasMinPriority && rctx.Priority < minPriority {
			return false
		}
		return true
	}

	return routing.Rule{
		ID:       def.ID,
		Name:     def.Name,
		Priority: def.Priority,
		Target:   target,
		When:     predicate,
	}, nil
}

// buildPipeline assembles the middleware chain in its canonical order:
// validation, rate limiting, caching, circuit breaking, retries.
func (sys *System) buildPipeline(cfg MiddlewareConfig) (*middleware.Pipeline, error) {
	pipe := middleware.NewPipeline()

	if !cfg.DisableValidation {
		pipe.Use(middleware.NewValidator())
	}

	if rl := cfg.RateLimit; rl != nil {
		var opts []middleware.RateLimiterOption
		if rl.GlobalPerSecond > 0 {
			burst := rl.GlobalBurst
			if burst <= 0 {
				burst = 1
			}
			opts = append(opts, middleware.WithGlobalLimit(rl.GlobalPerSecond, burst))
		}
		pipe.Use(middleware.NewRateLimiter(rl.MaxRequests, rl.Window.Duration, opts...))
	}

	if cc := cfg.Cache; cc != nil {
		store, err := sys.buildCacheStore(cc)
		if err != nil {
			return nil, err
		}
		sys.cacheStore = store
		pipe.Use(middleware.NewCache(store))
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		pipe.Use(middleware.NewCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout.Duration))
	}

	if rt := cfg.Retry; rt != nil {
		pipe.Use(middleware.NewRetry(rt.MaxAttempts, rt.BaseDelay.Duration))
	}

	return pipe, nil
}

func (sys *System) buildCacheStore(cc *CacheConfig) (middleware.Store, error) {
	switch cc.Backend {
	case "", "memory":
		return middleware.NewMemoryStore(cc.TTL.Duration, cc.MaxEntries), nil
	case "redis":
		store, err := middleware.NewRedisStore(cc.Redis, cc.TTL.Duration)
		if err != nil {
			return nil, fmt.Errorf("failed to build redis cache store: %w", err)
		}
		sys.closers = append(sys.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
}

// Start begins background maintenance, if configured.
func (sys *System) Start() {
	if sys.janitor != nil {
		sys.janitor.Start()
	}
}

// Stop halts maintenance and releases external resources.
func (sys *System) Stop() error {
	if sys.janitor != nil {
		sys.janitor.Stop()
	}
	var firstErr error
	for _, close := range sys.closers {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
