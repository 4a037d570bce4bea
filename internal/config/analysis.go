// Package config loads the analysis parameters: flatline detector constants,
// group policy, per-type sample rates and the statistics windows.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/relax.report/internal/flatline"
	"github.com/banshee-data/relax.report/internal/invalid"
	"github.com/banshee-data/relax.report/internal/measure"
	"github.com/banshee-data/relax.report/internal/units"
)

// DefaultConfigPath is the path to the canonical analysis defaults file.
const DefaultConfigPath = "config/analysis.defaults.json"

// StudyStart is the first day of the RelaxXL recording period.
var StudyStart = time.Date(2022, 7, 4, 0, 0, 0, 0, time.UTC)

// AnalysisConfig represents the analysis parameters. Every field is
// optional; Get* accessors fall back to the study defaults.
type AnalysisConfig struct {
	// Flatline detector
	WindowSamples    *int     `json:"window_samples,omitempty"`
	StdThreshold     *float64 `json:"std_threshold,omitempty"`
	MinFlatSamples   *int     `json:"min_flat_samples,omitempty"`
	MinGroupDuration *string  `json:"min_group_duration,omitempty"` // duration string like "600s"
	AccSampleRate    *float64 `json:"acc_sample_rate,omitempty"`

	// Group policy
	ExpectedGroupSizes []int `json:"expected_group_sizes,omitempty"`
	SplitOversized     *bool `json:"split_oversized,omitempty"`
	SplitSize          *int  `json:"split_size,omitempty"`
	SplitDiscard       *int  `json:"split_discard,omitempty"`

	// Conversion
	SampleRates  map[string]float64 `json:"sample_rates,omitempty"`
	IBITolerance *string            `json:"ibi_tolerance,omitempty"`

	// Statistics
	RelaxPad           *string  `json:"relax_pad,omitempty"`
	MaxInvalidFraction *float64 `json:"max_invalid_fraction,omitempty"`
	MaxRelaxDuration   *string  `json:"max_relax_duration,omitempty"`
	StudyStart         *string  `json:"study_start,omitempty"` // YYYY-MM-DD
	MinWeekCoverage    *string  `json:"min_week_coverage,omitempty"`
	MinEDASamples      *int     `json:"min_eda_samples,omitempty"`
	Timezone           *string  `json:"timezone,omitempty"`
	CoverageUnit       *string  `json:"coverage_unit,omitempty"`

	// Batch
	Workers *int `json:"workers,omitempty"`
}

// EmptyAnalysisConfig returns a config with every field unset, so all
// accessors return defaults.
func EmptyAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{}
}

// LoadAnalysisConfig loads an AnalysisConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
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

	cfg := EmptyAnalysisConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *AnalysisConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadAnalysisConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *AnalysisConfig) Validate() error {
	for name, v := range map[string]*string{
		"min_group_duration": c.MinGroupDuration,
		"ibi_tolerance":      c.IBITolerance,
		"relax_pad":          c.RelaxPad,
		"max_relax_duration": c.MaxRelaxDuration,
		"min_week_coverage":  c.MinWeekCoverage,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}

	if err := c.FlatlineConfig().Validate(); err != nil {
		return err
	}

	if tol := c.GetIBITolerance(); tol < 50*time.Second || tol > 75*time.Second {
		return fmt.Errorf("ibi_tolerance must be between 50s and 75s, got %s", tol)
	}

	if c.MaxInvalidFraction != nil && (*c.MaxInvalidFraction < 0 || *c.MaxInvalidFraction > 1) {
		return fmt.Errorf("max_invalid_fraction must be between 0 and 1, got %f", *c.MaxInvalidFraction)
	}

	for _, n := range c.ExpectedGroupSizes {
		if n < 1 {
			return fmt.Errorf("expected_group_sizes must be positive, got %d", n)
		}
	}
	if c.GetSplitDiscard() >= c.GetSplitSize() {
		return fmt.Errorf("split_discard (%d) must be smaller than split_size (%d)", c.GetSplitDiscard(), c.GetSplitSize())
	}

	for name, rate := range c.SampleRates {
		t, err := measure.ParseType(name)
		if err != nil {
			return fmt.Errorf("sample_rates: %w", err)
		}
		if t.Irregular() || rate <= 0 {
			return fmt.Errorf("sample_rates: %s cannot have rate %v", name, rate)
		}
	}

	if c.StudyStart != nil && *c.StudyStart != "" {
		if _, err := time.Parse(time.DateOnly, *c.StudyStart); err != nil {
			return fmt.Errorf("invalid study_start '%s': %w", *c.StudyStart, err)
		}
	}

	if c.Timezone != nil && !units.IsTimezoneValid(*c.Timezone) {
		return fmt.Errorf("unknown timezone %q", *c.Timezone)
	}
	if c.CoverageUnit != nil && !units.IsValid(*c.CoverageUnit) {
		return fmt.Errorf("coverage_unit must be one of %s, got %q", units.GetValidUnitsString(), *c.CoverageUnit)
	}

	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// FlatlineConfig returns the detector constants with unset fields taken
// from flatline.DefaultConfig.
func (c *AnalysisConfig) FlatlineConfig() flatline.Config {
	cfg := flatline.DefaultConfig()
	if c.WindowSamples != nil {
		cfg.Window = *c.WindowSamples
	}
	if c.StdThreshold != nil {
		cfg.StdThreshold = *c.StdThreshold
	}
	if c.MinFlatSamples != nil {
		cfg.MinFlatSamples = *c.MinFlatSamples
	}
	if c.AccSampleRate != nil {
		cfg.SampleRate = *c.AccSampleRate
	}
	cfg.MinGroupDuration = durationOr(c.MinGroupDuration, cfg.MinGroupDuration)
	return cfg
}

// GetSplitSize returns the split_size value or the default.
func (c *AnalysisConfig) GetSplitSize() int {
	if c.SplitSize == nil {
		return 15
	}
	return *c.SplitSize
}

// GetSplitDiscard returns the split_discard value or the default.
func (c *AnalysisConfig) GetSplitDiscard() int {
	if c.SplitDiscard == nil {
		return 7
	}
	return *c.SplitDiscard
}

// Policy returns the group policy with unset fields taken from
// invalid.DefaultPolicy.
func (c *AnalysisConfig) Policy() invalid.Policy {
	p := invalid.DefaultPolicy()
	if len(c.ExpectedGroupSizes) > 0 {
		p.Expected = append([]int(nil), c.ExpectedGroupSizes...)
	}
	if c.SplitOversized != nil {
		p.SplitEnabled = *c.SplitOversized
	}
	p.SplitSize = c.GetSplitSize()
	p.SplitDiscard = c.GetSplitDiscard()
	return p
}

// Rates returns measure.DefaultRates with any sample_rates overrides applied.
func (c *AnalysisConfig) Rates() measure.RateTable {
	rates := measure.DefaultRates.Clone()
	for name, rate := range c.SampleRates {
		if t, err := measure.ParseType(name); err == nil && !t.Irregular() {
			rates[t] = rate
		}
	}
	return rates
}

// GetIBITolerance returns the ibi_tolerance value or the default.
func (c *AnalysisConfig) GetIBITolerance() time.Duration {
	return durationOr(c.IBITolerance, measure.DefaultIBITolerance)
}

// GetRelaxPad returns the time examined before and after a relaxation session.
func (c *AnalysisConfig) GetRelaxPad() time.Duration {
	return durationOr(c.RelaxPad, 5*time.Minute)
}

// GetMaxInvalidFraction returns the max_invalid_fraction value or the default.
func (c *AnalysisConfig) GetMaxInvalidFraction() float64 {
	if c.MaxInvalidFraction == nil {
		return 0.2
	}
	return *c.MaxInvalidFraction
}

// GetMaxRelaxDuration returns the longest accepted relaxation session.
func (c *AnalysisConfig) GetMaxRelaxDuration() time.Duration {
	return durationOr(c.MaxRelaxDuration, 2*time.Hour)
}

// GetStudyStart returns the study_start value or StudyStart.
func (c *AnalysisConfig) GetStudyStart() time.Time {
	if c.StudyStart == nil || *c.StudyStart == "" {
		return StudyStart
	}
	t, err := time.Parse(time.DateOnly, *c.StudyStart)
	if err != nil {
		return StudyStart
	}
	return t
}

// GetMinWeekCoverage returns the wear time a week needs to be analysed.
func (c *AnalysisConfig) GetMinWeekCoverage() time.Duration {
	return durationOr(c.MinWeekCoverage, 80*time.Hour)
}

// GetMinEDASamples returns the min_eda_samples value or the default.
func (c *AnalysisConfig) GetMinEDASamples() int {
	if c.MinEDASamples == nil {
		return 100
	}
	return *c.MinEDASamples
}

// GetTimezone returns the timezone value or units.StudyTimezone.
func (c *AnalysisConfig) GetTimezone() string {
	if c.Timezone == nil || *c.Timezone == "" {
		return units.StudyTimezone
	}
	return *c.Timezone
}

// Location loads GetTimezone, falling back to UTC when the tz database
// lacks it.
func (c *AnalysisConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.GetTimezone())
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetCoverageUnit returns the coverage_unit value or hours.
func (c *AnalysisConfig) GetCoverageUnit() string {
	if c.CoverageUnit == nil {
		return units.Hours
	}
	return *c.CoverageUnit
}

// GetWorkers returns the workers value or the default.
func (c *AnalysisConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}
