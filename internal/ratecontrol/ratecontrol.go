// Package ratecontrol implements the per-surface adaptive exposure rate
// and congestion window (§4.4, C4): sender-side demand tracking that
// speeds up when the receiver is pulling harder than the current window
// allows, and backs off when pull pressure disappears entirely.
package ratecontrol

import (
	"sync"
	"time"
)

// Config bounds and tunes a Controller, mirroring the configuration knobs
// named in §6: rate_min, rate_max, plus the pull-pressure window length.
type Config struct {
	RateMin           float64       // chunks/sec
	RateMax           float64       // chunks/sec
	InitialRate       float64       // chunks/sec
	InitialWindow     uint32        // outstanding un-acked chunks
	PressureWindow    time.Duration // sliding window for pull_pressure accounting
}

// DefaultConfig returns sane defaults for a LAN/loopback exposure.
func DefaultConfig() Config {
	return Config{
		RateMin:        10,
		RateMax:        10000,
		InitialRate:    100,
		InitialWindow:  4,
		PressureWindow: 200 * time.Millisecond,
	}
}

// Controller tracks exposure_rate, congestion_window, and pull_pressure
// for a single exposure surface and applies the §4.4 tick rule.
type Controller struct {
	cfg Config

	mu                sync.Mutex
	exposureRate      float64
	congestionWindow  uint32
	pressureEvents    uint32 // PULL/NACK events observed in the current window
	windowStart       time.Time
}

// New creates a Controller with the given configuration. A zero Config
// field falls back to DefaultConfig's value for that field.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.RateMin <= 0 {
		cfg.RateMin = def.RateMin
	}
	if cfg.RateMax <= 0 {
		cfg.RateMax = def.RateMax
	}
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = def.InitialRate
	}
	if cfg.InitialWindow == 0 {
		cfg.InitialWindow = def.InitialWindow
	}
	if cfg.PressureWindow <= 0 {
		cfg.PressureWindow = def.PressureWindow
	}
	return &Controller{
		cfg:              cfg,
		exposureRate:     cfg.InitialRate,
		congestionWindow: cfg.InitialWindow,
		windowStart:      time.Time{},
	}
}

// NotePull records a PULL_REQUEST or CHUNK_NACK arrival as a unit of pull
// pressure. Called from the receive path, outside the scheduling tick.
func (c *Controller) NotePull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pressureEvents++
}

// Tick applies one scheduling-tick iteration of the §4.4 rule using `now`
// as the window boundary, and returns the resulting rate and window so
// the emitter can immediately act on them.
func (c *Controller) Tick(now time.Time) (rate float64, window uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	if now.Sub(c.windowStart) < c.cfg.PressureWindow {
		return c.exposureRate, c.congestionWindow
	}

	pressure := c.pressureEvents
	c.pressureEvents = 0
	c.windowStart = now

	switch {
	case pressure > c.congestionWindow:
		c.exposureRate = min(c.cfg.RateMax, c.exposureRate*1.1)
		c.congestionWindow++
	case pressure == 0:
		c.exposureRate = max(c.cfg.RateMin, c.exposureRate*0.9)
		if c.congestionWindow > 1 {
			c.congestionWindow--
		}
	}

	return c.exposureRate, c.congestionWindow
}

// Snapshot returns the current rate and window without advancing the
// window, for stats reporting (snapshot_stats, §6).
func (c *Controller) Snapshot() (rate float64, window uint32, pullPressure uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposureRate, c.congestionWindow, c.pressureEvents
}
