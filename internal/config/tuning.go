// Package config loads and validates the weight engine tuning parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EngineTuning represents the tuning parameters for the weight engine.
// Fields are pointers so a partial JSON file only overrides what it names;
// the Get* methods supply defaults for everything else.
type EngineTuning struct {
	// Stability tracker params
	StabilityThresholdKg *float64 `json:"stability_threshold_kg,omitempty"`
	StabilitySampleCount *int     `json:"stability_sample_count,omitempty"`
	StabilityTime        *string  `json:"stability_time,omitempty"` // duration string like "1s"

	// Filter params
	SpikeThresholdKg         *float64 `json:"spike_threshold_kg,omitempty"`
	ZeroConfirmationCount    *int     `json:"zero_confirmation_count,omitempty"`
	AnomalyRatio             *float64 `json:"anomaly_ratio,omitempty"`
	AnomalyConfirmationCount *int     `json:"anomaly_confirmation_count,omitempty"`
	MinWeightKg              *float64 `json:"min_weight_kg,omitempty"`
	MaxWeightKg              *float64 `json:"max_weight_kg,omitempty"`
	RealChangeThresholdKg    *float64 `json:"real_change_threshold_kg,omitempty"`

	// Polling params
	ActivePollInterval  *string  `json:"active_poll_interval,omitempty"`
	ReservePollInterval *string  `json:"reserve_poll_interval,omitempty"`
	ActiveModeDuration  *string  `json:"active_mode_duration,omitempty"`
	ActivityThresholdKg *float64 `json:"activity_threshold_kg,omitempty"`
	ActivityDebounce    *string  `json:"activity_debounce,omitempty"`

	// Recovery params
	ConnectionErrorTimeout  *string `json:"connection_error_timeout,omitempty"`
	TareRetryTimeout        *string `json:"tare_retry_timeout,omitempty"`
	ConnectionCheckInterval *string `json:"connection_check_interval,omitempty"`
}

// EmptyEngineTuning returns an EngineTuning with all fields unset.
func EmptyEngineTuning() *EngineTuning {
	return &EngineTuning{}
}

// LoadEngineTuning loads an EngineTuning from a JSON file. The file must
// have a .json extension and stay under the max file size. Fields omitted
// from the JSON keep their defaults, so partial configs are safe.
func LoadEngineTuning(path string) (*EngineTuning, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineTuning()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *EngineTuning) Validate() error {
	if c.StabilityThresholdKg != nil && *c.StabilityThresholdKg <= 0 {
		return fmt.Errorf("stability_threshold_kg must be positive, got %f", *c.StabilityThresholdKg)
	}
	if c.StabilitySampleCount != nil && *c.StabilitySampleCount < 1 {
		return fmt.Errorf("stability_sample_count must be at least 1, got %d", *c.StabilitySampleCount)
	}
	if c.SpikeThresholdKg != nil && *c.SpikeThresholdKg <= 0 {
		return fmt.Errorf("spike_threshold_kg must be positive, got %f", *c.SpikeThresholdKg)
	}
	if c.ZeroConfirmationCount != nil && *c.ZeroConfirmationCount < 1 {
		return fmt.Errorf("zero_confirmation_count must be at least 1, got %d", *c.ZeroConfirmationCount)
	}
	if c.AnomalyRatio != nil && *c.AnomalyRatio <= 1 {
		return fmt.Errorf("anomaly_ratio must be greater than 1, got %f", *c.AnomalyRatio)
	}
	if c.AnomalyConfirmationCount != nil && *c.AnomalyConfirmationCount < 1 {
		return fmt.Errorf("anomaly_confirmation_count must be at least 1, got %d", *c.AnomalyConfirmationCount)
	}
	if c.MinWeightKg != nil && c.MaxWeightKg != nil && *c.MaxWeightKg <= *c.MinWeightKg {
		return fmt.Errorf("max_weight_kg %f must exceed min_weight_kg %f", *c.MaxWeightKg, *c.MinWeightKg)
	}
	if c.RealChangeThresholdKg != nil && *c.RealChangeThresholdKg < 0 {
		return fmt.Errorf("real_change_threshold_kg must be non-negative, got %f", *c.RealChangeThresholdKg)
	}
	if c.ActivityThresholdKg != nil && *c.ActivityThresholdKg < 0 {
		return fmt.Errorf("activity_threshold_kg must be non-negative, got %f", *c.ActivityThresholdKg)
	}

	for name, v := range map[string]*string{
		"stability_time":            c.StabilityTime,
		"active_poll_interval":      c.ActivePollInterval,
		"reserve_poll_interval":     c.ReservePollInterval,
		"active_mode_duration":      c.ActiveModeDuration,
		"activity_debounce":         c.ActivityDebounce,
		"connection_error_timeout":  c.ConnectionErrorTimeout,
		"tare_retry_timeout":        c.TareRetryTimeout,
		"connection_check_interval": c.ConnectionCheckInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}

func (c *EngineTuning) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetStabilityThresholdKg returns the stability_threshold_kg value or the default.
func (c *EngineTuning) GetStabilityThresholdKg() float64 {
	if c.StabilityThresholdKg == nil {
		return 0.05
	}
	return *c.StabilityThresholdKg
}

// GetStabilitySampleCount returns the stability_sample_count value or the default.
func (c *EngineTuning) GetStabilitySampleCount() int {
	if c.StabilitySampleCount == nil {
		return 2
	}
	return *c.StabilitySampleCount
}

// GetStabilityTime parses and returns stability_time as a time.Duration.
func (c *EngineTuning) GetStabilityTime() time.Duration {
	return c.duration(c.StabilityTime, time.Second)
}

// GetSpikeThresholdKg returns the spike_threshold_kg value or the default.
func (c *EngineTuning) GetSpikeThresholdKg() float64 {
	if c.SpikeThresholdKg == nil {
		return 2.0
	}
	return *c.SpikeThresholdKg
}

// GetZeroConfirmationCount returns the zero_confirmation_count value or the default.
func (c *EngineTuning) GetZeroConfirmationCount() int {
	if c.ZeroConfirmationCount == nil {
		return 3
	}
	return *c.ZeroConfirmationCount
}

// GetAnomalyRatio returns the anomaly_ratio value or the default.
func (c *EngineTuning) GetAnomalyRatio() float64 {
	if c.AnomalyRatio == nil {
		return 5.0
	}
	return *c.AnomalyRatio
}

// GetAnomalyConfirmationCount returns the anomaly_confirmation_count value or the default.
func (c *EngineTuning) GetAnomalyConfirmationCount() int {
	if c.AnomalyConfirmationCount == nil {
		return 3
	}
	return *c.AnomalyConfirmationCount
}

// GetMinWeightKg returns the min_weight_kg value or the default.
func (c *EngineTuning) GetMinWeightKg() float64 {
	if c.MinWeightKg == nil {
		return 0
	}
	return *c.MinWeightKg
}

// GetMaxWeightKg returns the max_weight_kg value or the default.
func (c *EngineTuning) GetMaxWeightKg() float64 {
	if c.MaxWeightKg == nil {
		return 20
	}
	return *c.MaxWeightKg
}

// GetRealChangeThresholdKg returns the real_change_threshold_kg value or the default.
func (c *EngineTuning) GetRealChangeThresholdKg() float64 {
	if c.RealChangeThresholdKg == nil {
		return 0.1
	}
	return *c.RealChangeThresholdKg
}

// GetActivePollInterval parses and returns active_poll_interval as a time.Duration.
func (c *EngineTuning) GetActivePollInterval() time.Duration {
	return c.duration(c.ActivePollInterval, time.Second)
}

// GetReservePollInterval parses and returns reserve_poll_interval as a time.Duration.
func (c *EngineTuning) GetReservePollInterval() time.Duration {
	return c.duration(c.ReservePollInterval, 5*time.Second)
}

// GetActiveModeDuration parses and returns active_mode_duration as a time.Duration.
func (c *EngineTuning) GetActiveModeDuration() time.Duration {
	return c.duration(c.ActiveModeDuration, 30*time.Second)
}

// GetActivityThresholdKg returns the activity_threshold_kg value or the default.
func (c *EngineTuning) GetActivityThresholdKg() float64 {
	if c.ActivityThresholdKg == nil {
		return 0.010
	}
	return *c.ActivityThresholdKg
}

// GetActivityDebounce parses and returns activity_debounce as a time.Duration.
func (c *EngineTuning) GetActivityDebounce() time.Duration {
	return c.duration(c.ActivityDebounce, time.Second)
}

// GetConnectionErrorTimeout parses and returns connection_error_timeout as a time.Duration.
func (c *EngineTuning) GetConnectionErrorTimeout() time.Duration {
	return c.duration(c.ConnectionErrorTimeout, 5*time.Second)
}

// GetTareRetryTimeout parses and returns tare_retry_timeout as a time.Duration.
func (c *EngineTuning) GetTareRetryTimeout() time.Duration {
	return c.duration(c.TareRetryTimeout, 10*time.Second)
}

// GetConnectionCheckInterval parses and returns connection_check_interval as a time.Duration.
func (c *EngineTuning) GetConnectionCheckInterval() time.Duration {
	return c.duration(c.ConnectionCheckInterval, 5*time.Second)
}
