package fec

import (
	"fmt"
	"sync"
	"time"
)

// PolicyState is a point-in-time snapshot of an AdaptiveFECPolicy's
// current K/R choice and observed loss, for stats reporting.
type PolicyState struct {
	Enabled   bool
	K         int     // Data shards per group (GroupPlan.k)
	R         int     // Parity shards per group (GroupPlan.r)
	LossRate  float64 // Current loss rate percentage
	UpdatedAt time.Time
}

// AdaptiveFECPolicy raises or lowers a surface's FEC parity count as the
// observed chunk loss rate climbs or falls, independent of the §4.4
// exposure-rate/congestion-window adaptation in internal/ratecontrol —
// the two controllers react to the same underlying network conditions
// but adjust different knobs (send pacing vs. redundancy).
type AdaptiveFECPolicy struct {
	// Configuration
	enableThreshold  float64       // Loss rate to enable FEC (%)
	disableThreshold float64       // Loss rate to disable FEC (%)
	minObservation   time.Duration // Minimum observation time before changes
	defaultK         int           // Default data shards
	defaultR         int           // Default parity shards
	maxR             int           // Maximum parity shards

	// State
	enabled          bool
	currentK         int
	currentR         int
	lossRateSamples  []float64
	lastStateChange  time.Time
	sampleStartTime  time.Time

	mu sync.RWMutex
}

// PolicyConfig holds adaptive policy configuration
type PolicyConfig struct {
	EnableThreshold  float64       // Default: 1.0%
	DisableThreshold float64       // Default: 0.5%
	MinObservation   time.Duration // Default: 30s
	DefaultK         int           // Default: 8
	DefaultR         int           // Default: 2
	MaxR             int           // Default: 4
}

// DefaultPolicyConfig returns default policy configuration
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EnableThreshold:  1.0,
		DisableThreshold: 0.5,
		MinObservation:   30 * time.Second,
		DefaultK:         8,
		DefaultR:         2,
		MaxR:             4,
	}
}

// NewAdaptiveFECPolicy creates a policy bound to one exposure surface
func NewAdaptiveFECPolicy(config PolicyConfig) *AdaptiveFECPolicy {
	return &AdaptiveFECPolicy{
		enableThreshold:  config.EnableThreshold,
		disableThreshold: config.DisableThreshold,
		minObservation:   config.MinObservation,
		defaultK:         config.DefaultK,
		defaultR:         config.DefaultR,
		maxR:             config.MaxR,
		enabled:          false,
		currentK:         config.DefaultK,
		currentR:         config.DefaultR,
		lossRateSamples:  make([]float64, 0, 60), // 60 samples max
		lastStateChange:  time.Now(),
		sampleStartTime:  time.Now(),
	}
}

// Update updates the policy with the latest loss rate
func (ap *AdaptiveFECPolicy) Update(lossRate float64) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	// Add sample
	ap.lossRateSamples = append(ap.lossRateSamples, lossRate)
	
	// Keep only last 60 samples (10 minutes at 10-second intervals)
	if len(ap.lossRateSamples) > 60 {
		ap.lossRateSamples = ap.lossRateSamples[1:]
	}

	// Calculate average loss rate
	avgLoss := ap.calculateAverageLoss()

	// Check if enough time has passed since last state change
	timeSinceChange := time.Since(ap.lastStateChange)
	if timeSinceChange < ap.minObservation {
		return // Too soon to change state
	}

	// Apply policy rules
	if !ap.enabled && avgLoss > ap.enableThreshold {
		// Enable FEC
		ap.enabled = true
		ap.currentR = ap.defaultR
		ap.lastStateChange = time.Now()
	} else if ap.enabled && avgLoss < ap.disableThreshold {
		// Disable FEC (only after longer observation)
		if timeSinceChange >= ap.minObservation*10 { // 5 minutes
			ap.enabled = false
			ap.lastStateChange = time.Now()
		}
	} else if ap.enabled {
		// Adjust R based on loss rate
		if avgLoss > 5.0 && ap.currentR < ap.maxR {
			ap.currentR = 4
			ap.lastStateChange = time.Now()
		} else if avgLoss > 3.0 && ap.currentR < 3 {
			ap.currentR = 3
			ap.lastStateChange = time.Now()
		} else if avgLoss < 2.0 && ap.currentR > ap.defaultR {
			ap.currentR = ap.defaultR
			ap.lastStateChange = time.Now()
		}
	}
}

// GetParameters returns current FEC parameters
func (ap *AdaptiveFECPolicy) GetParameters() (enabled bool, k, r int) {
	ap.mu.RLock()
	defer ap.mu.RUnlock()
	return ap.enabled, ap.currentK, ap.currentR
}

// GetState returns current policy state
func (ap *AdaptiveFECPolicy) GetState() PolicyState {
	ap.mu.RLock()
	defer ap.mu.RUnlock()

	return PolicyState{
		Enabled:   ap.enabled,
		K:         ap.currentK,
		R:         ap.currentR,
		LossRate:  ap.calculateAverageLoss(),
		UpdatedAt: time.Now(),
	}
}

// SetEnabled manually enables or disables FEC
func (ap *AdaptiveFECPolicy) SetEnabled(enabled bool) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.enabled = enabled
	ap.lastStateChange = time.Now()
}

// SetParityShards manually sets the number of parity shards
func (ap *AdaptiveFECPolicy) SetParityShards(r int) error {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	if r < 1 || r > ap.maxR {
		return ErrInvalidParityShards
	}

	ap.currentR = r
	ap.lastStateChange = time.Now()
	return nil
}

// calculateAverageLoss calculates exponential moving average of loss rate
func (ap *AdaptiveFECPolicy) calculateAverageLoss() float64 {
	if len(ap.lossRateSamples) == 0 {
		return 0
	}

	// Use exponential moving average with alpha=0.3
	alpha := 0.3
	ema := ap.lossRateSamples[0]
	
	for i := 1; i < len(ap.lossRateSamples); i++ {
		ema = alpha*ap.lossRateSamples[i] + (1-alpha)*ema
	}

	return ema
}

// Reset resets the policy to initial state
func (ap *AdaptiveFECPolicy) Reset() {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	ap.enabled = false
	ap.currentR = ap.defaultR
	ap.lossRateSamples = make([]float64, 0, 60)
	ap.lastStateChange = time.Now()
	ap.sampleStartTime = time.Now()
}

var (
	ErrInvalidParityShards = fmt.Errorf("invalid number of parity shards")
)
