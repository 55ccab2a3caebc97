// Package backpressure sheds load when the pending tables grow.
//
// Every incomplete record waits in memory until its last message type
// arrives. A feed that sends first halves without second halves grows the
// tables until eviction catches up. The controller measures the pending
// count against a configured capacity and moves between four levels; at
// critical the broker source slows down, at emergency packet uploads are
// refused and the source pauses until the tables drain.
package backpressure

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/storage/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated pending count, logged only.
	LevelWarning

	// LevelCritical - high pending count, slow down the broker source.
	LevelCritical

	// LevelEmergency - overload, refuse uploads and pause the source.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// maxDelay is the throttle delay per message at the emergency level.
const maxDelay = time.Second

// Controller manages backpressure based on pending table usage.
type Controller struct {
	mu sync.RWMutex

	config  config.BackpressureConfig
	pending func() int
	now     func() time.Time
	logger  *slog.Logger

	// Current state
	level      atomic.Int32
	lastChange time.Time
	lastLevel  Level
	lastUsage  float64

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	UploadsRefused  int64
	ThrottleSeconds float64
}

// New creates a controller measuring pending, the current number of
// pending records.
func New(cfg config.BackpressureConfig, pending func() int) *Controller {
	return &Controller{
		config:  cfg,
		pending: pending,
		now:     time.Now,
		logger:  logging.Component("backpressure"),
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// UsageRatio returns the pending count as a fraction of MaxPending.
func (c *Controller) UsageRatio() float64 {
	if c.pending == nil || c.config.MaxPending <= 0 {
		return 0
	}
	return float64(c.pending()) / float64(c.config.MaxPending)
}

// Check evaluates current conditions and updates the level.
// This should be called periodically.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	usage := c.UsageRatio()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUsage = usage
	newLevel := c.determineLevel(usage)
	if newLevel == c.lastLevel {
		return newLevel
	}

	// Respect cooldown
	now := c.now()
	if !c.lastChange.IsZero() && now.Sub(c.lastChange) < c.config.Recovery.Cooldown {
		return c.lastLevel
	}

	c.lastChange = now
	c.setLevel(newLevel, usage)
	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis
	currentLevel := c.lastLevel

	// Going up (increasing pressure)
	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical && currentLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= thresholds.Warning && currentLevel < LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch currentLevel {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return c.levelBelow(usage, LevelCritical)
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return c.levelBelow(usage, LevelWarning)
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// levelBelow returns the highest level at most max whose threshold usage
// still reaches.
func (c *Controller) levelBelow(usage float64, max Level) Level {
	thresholds := c.config.Thresholds
	switch {
	case max >= LevelCritical && usage >= thresholds.Critical:
		return LevelCritical
	case max >= LevelWarning && usage >= thresholds.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level, usage float64) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	// Update level-specific counters
	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if newLevel > oldLevel {
		c.logger.Warn("backpressure raised", "from", oldLevel.String(), "to", newLevel.String(), "usage", usage)
	} else {
		c.logger.Info("backpressure lowered", "from", oldLevel.String(), "to", newLevel.String(), "usage", usage)
	}

	// Fire callback
	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// Run checks the pending tables every CheckInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	if !c.config.Enabled || c.config.CheckInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check()
		}
	}
}

// CurrentLevel returns the current backpressure level. A nil controller is
// always normal.
func (c *Controller) CurrentLevel() Level {
	if c == nil {
		return LevelNormal
	}
	return Level(c.level.Load())
}

// ShouldDrop returns true if uploads should be refused.
func (c *Controller) ShouldDrop() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle returns true if the broker source should slow down.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ThrottleFactor returns the throttle factor (0.0 to 1.0).
// 1.0 = no throttling, 0.0 = full throttle (reject all).
func (c *Controller) ThrottleFactor() float64 {
	switch c.CurrentLevel() {
	case LevelCritical:
		return 0.5
	case LevelEmergency:
		return 0.1
	default:
		return 1.0
	}
}

// ThrottleDelay returns the recommended delay before the next message.
func (c *Controller) ThrottleDelay() time.Duration {
	factor := c.ThrottleFactor()
	if factor >= 1.0 {
		return 0
	}

	delay := time.Duration(float64(maxDelay) * (1.0 - factor))

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// RecordDrop records a refused upload.
func (c *Controller) RecordDrop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stats.UploadsRefused++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		UploadsRefused:  c.stats.UploadsRefused,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		PendingUsage:    c.lastUsage,
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	UploadsRefused  int64
	ThrottleSeconds float64
	PendingUsage    float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c != nil && c.config.Enabled
}
