// Package jitter turns bursty, reordered media arrivals of one stream into
// an ordered playout sequence with an adaptive delay.
package jitter

import (
	"fmt"
	"time"
)

type Config struct {
	InitialDelay       time.Duration `yaml:"initial_delay"`
	MinDelay           time.Duration `yaml:"min_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	SafetyFactor       float64       `yaml:"safety_factor"`
	AdaptationRate     float64       `yaml:"adaptation_rate"`
	AdaptationInterval time.Duration `yaml:"adaptation_interval"`
	LateThreshold      int           `yaml:"late_threshold"`
	LateWindow         time.Duration `yaml:"late_window"`
	LateStep           time.Duration `yaml:"late_step"`
	MaxBufferSize      int           `yaml:"max_buffer_size"`
}

func DefaultConfig() Config {
	return Config{
		InitialDelay:       40 * time.Millisecond,
		MinDelay:           10 * time.Millisecond,
		MaxDelay:           200 * time.Millisecond,
		SafetyFactor:       2.0,
		AdaptationRate:     0.15,
		AdaptationInterval: time.Second,
		LateThreshold:      5,
		LateWindow:         time.Second,
		LateStep:           20 * time.Millisecond,
		MaxBufferSize:      64,
	}
}

func (c Config) Validate() error {
	if c.MinDelay <= 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("jitter delay bounds [%v, %v] are invalid", c.MinDelay, c.MaxDelay)
	}
	if c.InitialDelay < c.MinDelay || c.InitialDelay > c.MaxDelay {
		return fmt.Errorf("jitter initial delay %v outside [%v, %v]", c.InitialDelay, c.MinDelay, c.MaxDelay)
	}
	if c.SafetyFactor <= 0 {
		return fmt.Errorf("jitter safety factor must be positive")
	}
	if c.AdaptationRate <= 0 || c.AdaptationRate > 1 {
		return fmt.Errorf("jitter adaptation rate must be in (0, 1]")
	}
	if c.AdaptationInterval <= 0 || c.LateWindow <= 0 {
		return fmt.Errorf("jitter adaptation interval and late window must be positive")
	}
	if c.LateThreshold < 0 || c.LateStep < 0 {
		return fmt.Errorf("jitter late threshold and step must not be negative")
	}
	if c.MaxBufferSize < 1 {
		return fmt.Errorf("jitter max buffer size must be at least 1")
	}
	return nil
}
