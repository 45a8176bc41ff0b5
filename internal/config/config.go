// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config provides the reclaimer's tunables and the providers that
// supply them.
//
// Configuration is read on every use rather than cached, so a provider may be
// swapped or updated while the server runs. Loading is forgiving: a provider
// error falls back to Default, and each out-of-range field is replaced by its
// default individually.
//
// # Usage Examples
//
//	cfg := config.Default()
//	cfg.OverloadThreshold = 80
//	provider := config.NewAtomic(cfg)
//
//	// later, from an admin command
//	provider.Update(func(c *config.Config) { c.SearchRadius = 6 })
//
//	resolved := config.Resolve(provider, logger)
package config

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every threshold the reclaimer consults.
type Config struct {
	// Registry and overload detection
	OverloadThreshold int           // handles per cell that mark it overloaded
	MinAge            time.Duration // objects younger than this are never registered
	AllowList         []string      // when non-empty only these type keys are eligible
	DenyList          []string      // type keys that are never eligible

	// Freezer
	SearchRadius   int           // Chebyshev radius of the candidate search
	LevelCeiling   int           // tokens at or above this level are ignored
	InfluenceBase  int           // influence radius is InfluenceBase - level
	FreezeDuration time.Duration // how long a content freeze lasts

	// Performance controller
	DegradeTick        time.Duration // smoothed tick duration above which cells are suspended
	RecoverTick        time.Duration // smoothed tick duration below which cells are restored
	MinThroughput      float64       // ticks per second below which cells are suspended
	ControllerBatch    int           // max cells changed per controller run
	ControllerInterval time.Duration // cadence of the controller
	SampleWindow       int           // tick samples averaged into the smoothed signal

	// Storage and collection
	MergeLimit         int           // per-signature count cap when merging
	StoreCapacity      int           // slots per store
	MaxStoresPerRegion int           // stores allocated per region
	SignalTimeout      time.Duration // deletion signal lifetime
	CollectInterval    time.Duration // cadence of automatic collection; 0 disables it
	Annotation         string        // written onto stored stacks

	Verbose bool // emit debug diagnostics
}

// Default returns conservative defaults.
func Default() Config {
	return Config{
		OverloadThreshold:  50,
		MinAge:             0,
		SearchRadius:       8,
		LevelCeiling:       33,
		InfluenceBase:      33,
		FreezeDuration:     5 * time.Minute,
		DegradeTick:        50 * time.Millisecond,
		RecoverTick:        40 * time.Millisecond,
		MinThroughput:      18,
		ControllerBatch:    4,
		ControllerInterval: 5 * time.Second,
		SampleWindow:       100,
		MergeLimit:         64,
		StoreCapacity:      54,
		MaxStoresPerRegion: 3,
		SignalTimeout:      10 * time.Second,
		CollectInterval:    5 * time.Minute,
		Annotation:         "reclaimed",
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, field))
		}
	}
	check(c.OverloadThreshold > 0, "overload threshold must be positive")
	check(c.MinAge >= 0, "min age must not be negative")
	check(c.SearchRadius >= 0, "search radius must not be negative")
	check(c.LevelCeiling > 0, "level ceiling must be positive")
	check(c.InfluenceBase >= 0, "influence base must not be negative")
	check(c.FreezeDuration > 0, "freeze duration must be positive")
	check(c.DegradeTick > 0, "degrade tick must be positive")
	check(c.RecoverTick > 0 && c.RecoverTick < c.DegradeTick, "recover tick must be positive and below degrade tick")
	check(c.MinThroughput >= 0, "min throughput must not be negative")
	check(!c.throughputOverlaps(), "min throughput must not demand ticks faster than recover tick")
	check(c.ControllerBatch > 0, "controller batch must be positive")
	check(c.ControllerInterval > 0, "controller interval must be positive")
	check(c.SampleWindow > 0, "sample window must be positive")
	check(c.MergeLimit > 0, "merge limit must be positive")
	check(c.StoreCapacity > 0, "store capacity must be positive")
	check(c.MaxStoresPerRegion > 0, "max stores per region must be positive")
	check(c.SignalTimeout > 0, "signal timeout must be positive")
	check(c.CollectInterval >= 0, "collect interval must not be negative")
	return errors.Join(errs...)
}

// sanitize replaces each invalid field with its default and reports the
// fields it touched.
func (c Config) sanitize() (Config, []string) {
	d := Default()
	var fixed []string
	fix := func(bad bool, field string, apply func()) {
		if bad {
			apply()
			fixed = append(fixed, field)
		}
	}
	fix(c.OverloadThreshold <= 0, "overload_threshold", func() { c.OverloadThreshold = d.OverloadThreshold })
	fix(c.MinAge < 0, "min_age", func() { c.MinAge = d.MinAge })
	fix(c.SearchRadius < 0, "search_radius", func() { c.SearchRadius = d.SearchRadius })
	fix(c.LevelCeiling <= 0, "level_ceiling", func() { c.LevelCeiling = d.LevelCeiling })
	fix(c.InfluenceBase < 0, "influence_base", func() { c.InfluenceBase = d.InfluenceBase })
	fix(c.FreezeDuration <= 0, "freeze_duration", func() { c.FreezeDuration = d.FreezeDuration })
	// The performance bounds are reset together so the degrade and recover
	// conditions stay disjoint.
	fix(c.DegradeTick <= 0 || c.RecoverTick <= 0 || c.RecoverTick >= c.DegradeTick ||
		c.MinThroughput < 0 || c.throughputOverlaps(), "performance_bounds", func() {
		c.DegradeTick = d.DegradeTick
		c.RecoverTick = d.RecoverTick
		c.MinThroughput = d.MinThroughput
	})
	fix(c.ControllerBatch <= 0, "controller_batch", func() { c.ControllerBatch = d.ControllerBatch })
	fix(c.ControllerInterval <= 0, "controller_interval", func() { c.ControllerInterval = d.ControllerInterval })
	fix(c.SampleWindow <= 0, "sample_window", func() { c.SampleWindow = d.SampleWindow })
	fix(c.MergeLimit <= 0, "merge_limit", func() { c.MergeLimit = d.MergeLimit })
	fix(c.StoreCapacity <= 0, "store_capacity", func() { c.StoreCapacity = d.StoreCapacity })
	fix(c.MaxStoresPerRegion <= 0, "max_stores_per_region", func() { c.MaxStoresPerRegion = d.MaxStoresPerRegion })
	fix(c.SignalTimeout <= 0, "signal_timeout", func() { c.SignalTimeout = d.SignalTimeout })
	fix(c.CollectInterval < 0, "collect_interval", func() { c.CollectInterval = d.CollectInterval })
	return c, fixed
}

// throughputOverlaps reports whether the throughput floor would degrade at
// tick durations that also count as recovered. A floor of 0 is disabled.
func (c Config) throughputOverlaps() bool {
	if c.MinThroughput <= 0 {
		return false
	}
	return float64(time.Second)/c.MinThroughput < float64(c.RecoverTick)
}

// Eligible applies the allow and deny lists to a type key.
func (c Config) Eligible(typeKey string) bool {
	for _, d := range c.DenyList {
		if d == typeKey {
			return false
		}
	}
	if len(c.AllowList) == 0 {
		return true
	}
	for _, a := range c.AllowList {
		if a == typeKey {
			return true
		}
	}
	return false
}

// Provider supplies configuration. Load is called on every use.
type Provider interface {
	Load() (Config, error)
}

// Resolve loads the current configuration, falling back to Default when the
// provider fails and replacing invalid fields individually. It never fails.
func Resolve(p Provider, logger zerolog.Logger) Config {
	if p == nil {
		return Default()
	}
	cfg, err := p.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("configuration load failed, using defaults")
		return Default()
	}
	cfg, fixed := cfg.sanitize()
	if len(fixed) > 0 {
		logger.Warn().Strs("fields", fixed).Msg("configuration fields out of range, using defaults")
	}
	return cfg
}

// Static is a Provider that always returns the same configuration.
type Static Config

// Load implements Provider.
func (s Static) Load() (Config, error) {
	return Config(s), nil
}

// Func adapts a function to Provider.
type Func func() (Config, error)

// Load implements Provider.
func (f Func) Load() (Config, error) {
	return f()
}

// Atomic is a hot-reloadable Provider safe for concurrent use.
type Atomic struct {
	cur atomic.Pointer[Config]
}

// NewAtomic creates a provider holding cfg.
func NewAtomic(cfg Config) *Atomic {
	a := &Atomic{}
	a.Store(cfg)
	return a
}

// Load implements Provider.
func (a *Atomic) Load() (Config, error) {
	c := a.cur.Load()
	if c == nil {
		return Config{}, fmt.Errorf("%w: provider is empty", ErrInvalid)
	}
	return *c, nil
}

// Store replaces the configuration.
func (a *Atomic) Store(cfg Config) {
	cfg.AllowList = append([]string(nil), cfg.AllowList...)
	cfg.DenyList = append([]string(nil), cfg.DenyList...)
	a.cur.Store(&cfg)
}

// Update applies fn to a copy of the current configuration and stores it.
func (a *Atomic) Update(fn func(*Config)) {
	for {
		old := a.cur.Load()
		var next Config
		if old != nil {
			next = *old
		} else {
			next = Default()
		}
		next.AllowList = append([]string(nil), next.AllowList...)
		next.DenyList = append([]string(nil), next.DenyList...)
		fn(&next)
		if a.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}
