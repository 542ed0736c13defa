package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sbuslink/internal/units"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/config endpoint so the same JSON can be
// used for both startup configuration and runtime inspection.
type TuningConfig struct {
	// Link params
	FramePeriod        *string `json:"frame_period,omitempty"`         // expected frame cadence, duration string like "14ms"
	StatsFlushInterval *string `json:"stats_flush_interval,omitempty"` // link-stats snapshot cadence like "30s"

	// Recorder params
	RecordEveryNth *int `json:"record_every_nth,omitempty"` // 1 = persist every decoded frame

	// Presentation params
	DefaultUnits  *string  `json:"default_units,omitempty"`
	ChannelLabels []string `json:"channel_labels,omitempty"` // positional, up to 16
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// its default value. The Get* accessors fall back to the same values, so this
// exists for writing defaults files and for tests that want explicit pointers.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		FramePeriod:        ptrString("14ms"),
		StatsFlushInterval: ptrString("30s"),
		RecordEveryNth:     ptrInt(1),
		DefaultUnits:       ptrString(units.RAW),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from cmd/tools packages
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	// Validate FramePeriod can be parsed if set
	if c.FramePeriod != nil && *c.FramePeriod != "" {
		d, err := time.ParseDuration(*c.FramePeriod)
		if err != nil {
			return fmt.Errorf("invalid frame_period '%s': %w", *c.FramePeriod, err)
		}
		if d <= 0 {
			return fmt.Errorf("frame_period must be positive, got %s", *c.FramePeriod)
		}
	}

	// Validate StatsFlushInterval can be parsed if set
	if c.StatsFlushInterval != nil && *c.StatsFlushInterval != "" {
		if _, err := time.ParseDuration(*c.StatsFlushInterval); err != nil {
			return fmt.Errorf("invalid stats_flush_interval '%s': %w", *c.StatsFlushInterval, err)
		}
	}

	// Validate RecordEveryNth if set
	if c.RecordEveryNth != nil {
		if *c.RecordEveryNth < 1 {
			return fmt.Errorf("record_every_nth must be at least 1, got %d", *c.RecordEveryNth)
		}
	}

	// Validate DefaultUnits if set
	if c.DefaultUnits != nil && *c.DefaultUnits != "" {
		if !units.IsValid(*c.DefaultUnits) {
			return fmt.Errorf("invalid default_units '%s': must be one of %s", *c.DefaultUnits, units.GetValidUnitsString())
		}
	}

	// A frame carries 16 channels; extra labels would never be used
	if len(c.ChannelLabels) > 16 {
		return fmt.Errorf("channel_labels has %d entries, at most 16 are usable", len(c.ChannelLabels))
	}

	return nil
}

// GetFramePeriod parses and returns the FramePeriod as a time.Duration.
func (c *TuningConfig) GetFramePeriod() time.Duration {
	if c.FramePeriod == nil || *c.FramePeriod == "" {
		return 14 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.FramePeriod)
	if err != nil || d <= 0 {
		return 14 * time.Millisecond // default on parse error
	}
	return d
}

// GetStatsFlushInterval parses and returns the StatsFlushInterval as a time.Duration.
func (c *TuningConfig) GetStatsFlushInterval() time.Duration {
	if c.StatsFlushInterval == nil || *c.StatsFlushInterval == "" {
		return 30 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StatsFlushInterval)
	if err != nil {
		return 30 * time.Second // default on parse error
	}
	return d
}

// GetRecordEveryNth returns the record_every_nth value or the default.
func (c *TuningConfig) GetRecordEveryNth() int {
	if c.RecordEveryNth == nil || *c.RecordEveryNth < 1 {
		return 1 // default: persist every frame
	}
	return *c.RecordEveryNth
}

// GetDefaultUnits returns the default_units value or the default.
func (c *TuningConfig) GetDefaultUnits() string {
	if c.DefaultUnits == nil || *c.DefaultUnits == "" {
		return units.RAW
	}
	return *c.DefaultUnits
}

// GetChannelLabel returns the configured label for a zero-based channel
// index, falling back to "ch1".."ch16".
func (c *TuningConfig) GetChannelLabel(i int) string {
	if i >= 0 && i < len(c.ChannelLabels) && c.ChannelLabels[i] != "" {
		return c.ChannelLabels[i]
	}
	return fmt.Sprintf("ch%d", i+1)
}
