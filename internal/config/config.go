package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the NOAA ISD archive layout.
const (
	DefaultURL         = "https://www.ncei.noaa.gov/data/global-hourly/archive/isd/"
	DefaultIndexRegex  = `>(isd_\d{4}_c.*\.tar\.gz)<`
	DefaultMemberRegex = `^\d+-\d+-\d+`
)

// Config defines configuration for the noaaharvest CLI.
type Config struct {
	// URL is the base location of the remote archive index.
	URL string `yaml:"url"`

	// Dest is the destination bucket URL for aggregated outputs.
	// Empty means file://<cwd>.
	Dest string `yaml:"dest"`

	// IndexRegex selects index entries; its first capture group is the
	// archive filename.
	IndexRegex string `yaml:"index_regex"`

	// MemberRegex selects archive members to extract and aggregate.
	MemberRegex string `yaml:"member_regex"`

	// Years is the set of requested years.
	Years []string `yaml:"years"`

	// Workers is the size of the worker pool.
	Workers int `yaml:"workers"`

	// RunTimeMax is the hard wall-clock budget for the whole run.
	RunTimeMax time.Duration `yaml:"run_time_max"`

	// PollingTimeout is the interval between master poll cycles.
	PollingTimeout time.Duration `yaml:"polling_timeout"`

	// TerminateTimeout is the grace period after a terminate signal
	// before in-flight work is abandoned.
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`

	// TmpDir is the root for scoped per-task temporary storage.
	TmpDir string `yaml:"tmp_dir"`

	// Force re-downloads years whose destination already exists.
	Force bool `yaml:"force"`

	// Compress gzip-encodes the output and appends a .gz suffix.
	Compress bool `yaml:"compress"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		URL:              DefaultURL,
		IndexRegex:       DefaultIndexRegex,
		MemberRegex:      DefaultMemberRegex,
		Years:            []string{"1901", "1902"},
		Workers:          2,
		RunTimeMax:       5 * time.Minute,
		PollingTimeout:   2 * time.Second,
		TerminateTimeout: 2 * time.Second,
		TmpDir:           filepath.Join(os.TempDir(), "noaaharvest"),
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and years.
type yamlConfig struct {
	URL              string `yaml:"url"`
	Dest             string `yaml:"dest"`
	IndexRegex       string `yaml:"index_regex"`
	MemberRegex      string `yaml:"member_regex"`
	Years            string `yaml:"years"`
	Workers          int    `yaml:"workers"`
	RunTimeMax       string `yaml:"run_time_max"`
	PollingTimeout   string `yaml:"polling_timeout"`
	TerminateTimeout string `yaml:"terminate_timeout"`
	TmpDir           string `yaml:"tmp_dir"`
	Force            bool   `yaml:"force"`
	Compress         bool   `yaml:"compress"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.URL != "" {
		cfg.URL = NormalizeURL(yc.URL)
	}
	if yc.Dest != "" {
		cfg.Dest = yc.Dest
	}
	if yc.IndexRegex != "" {
		cfg.IndexRegex = yc.IndexRegex
	}
	if yc.MemberRegex != "" {
		cfg.MemberRegex = yc.MemberRegex
	}
	if yc.Years != "" {
		years, err := ParseYears(yc.Years)
		if err != nil {
			return Config{}, fmt.Errorf("parse years: %w", err)
		}
		cfg.Years = years
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.RunTimeMax != "" {
		d, err := parseSeconds(yc.RunTimeMax)
		if err != nil {
			return Config{}, fmt.Errorf("parse run_time_max: %w", err)
		}
		cfg.RunTimeMax = d
	}
	if yc.PollingTimeout != "" {
		d, err := parseSeconds(yc.PollingTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse polling_timeout: %w", err)
		}
		cfg.PollingTimeout = d
	}
	if yc.TerminateTimeout != "" {
		d, err := parseSeconds(yc.TerminateTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse terminate_timeout: %w", err)
		}
		cfg.TerminateTimeout = d
	}
	if yc.TmpDir != "" {
		cfg.TmpDir = yc.TmpDir
	}
	cfg.Force = yc.Force
	cfg.Compress = yc.Compress

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the NOAAHARVEST_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("NOAAHARVEST_URL"); v != "" {
		c.URL = NormalizeURL(v)
	}
	if v := os.Getenv("NOAAHARVEST_DEST"); v != "" {
		c.Dest = v
	}
	if v := os.Getenv("NOAAHARVEST_INDEX_REGEX"); v != "" {
		c.IndexRegex = v
	}
	if v := os.Getenv("NOAAHARVEST_MEMBER_REGEX"); v != "" {
		c.MemberRegex = v
	}
	if v := os.Getenv("NOAAHARVEST_YEARS"); v != "" {
		years, err := ParseYears(v)
		if err != nil {
			return fmt.Errorf("parse NOAAHARVEST_YEARS: %w", err)
		}
		c.Years = years
	}
	if v := os.Getenv("NOAAHARVEST_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse NOAAHARVEST_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("NOAAHARVEST_RUN_TIME_MAX"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("parse NOAAHARVEST_RUN_TIME_MAX: %w", err)
		}
		c.RunTimeMax = d
	}
	if v := os.Getenv("NOAAHARVEST_POLLING_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("parse NOAAHARVEST_POLLING_TIMEOUT: %w", err)
		}
		c.PollingTimeout = d
	}
	if v := os.Getenv("NOAAHARVEST_TERMINATE_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("parse NOAAHARVEST_TERMINATE_TIMEOUT: %w", err)
		}
		c.TerminateTimeout = d
	}
	if v := os.Getenv("NOAAHARVEST_TMP_DIR"); v != "" {
		c.TmpDir = v
	}
	if v := os.Getenv("NOAAHARVEST_FORCE"); v != "" {
		c.Force = v == "true" || v == "1"
	}
	if v := os.Getenv("NOAAHARVEST_COMPRESS"); v != "" {
		c.Compress = v == "true" || v == "1"
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("config: url is required")
	}
	if c.IndexRegex == "" {
		return errors.New("config: index_regex is required")
	}
	if c.MemberRegex == "" {
		return errors.New("config: member_regex is required")
	}
	if len(c.Years) == 0 {
		return errors.New("config: years is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.RunTimeMax < 0 {
		return errors.New("config: run_time_max must not be negative")
	}
	if c.PollingTimeout <= 0 {
		return errors.New("config: polling_timeout must be positive")
	}
	if c.TerminateTimeout <= 0 {
		return errors.New("config: terminate_timeout must be positive")
	}
	if c.TmpDir == "" {
		return errors.New("config: tmp_dir is required")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored; boolean flags merge as OR.
func (c Config) Merge(override Config) Config {
	if override.URL != "" {
		c.URL = override.URL
	}
	if override.Dest != "" {
		c.Dest = override.Dest
	}
	if override.IndexRegex != "" {
		c.IndexRegex = override.IndexRegex
	}
	if override.MemberRegex != "" {
		c.MemberRegex = override.MemberRegex
	}
	if len(override.Years) != 0 {
		c.Years = override.Years
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.RunTimeMax != 0 {
		c.RunTimeMax = override.RunTimeMax
	}
	if override.PollingTimeout != 0 {
		c.PollingTimeout = override.PollingTimeout
	}
	if override.TerminateTimeout != 0 {
		c.TerminateTimeout = override.TerminateTimeout
	}
	if override.TmpDir != "" {
		c.TmpDir = override.TmpDir
	}
	if override.Force {
		c.Force = override.Force
	}
	if override.Compress {
		c.Compress = override.Compress
	}
	return c
}

// ParseYears parses a year spec: a single year ("1901"), a comma list
// ("1901,1902"), or an inclusive range ("1901-1930"). The result is sorted
// and de-duplicated.
func ParseYears(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty year spec")
	}

	var years []string
	switch {
	case strings.Contains(spec, "-"):
		parts := strings.SplitN(spec, "-", 2)
		start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", parts[0])
		}
		end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", parts[1])
		}
		if end < start {
			return nil, fmt.Errorf("invalid range %q: end before start", spec)
		}
		for y := start; y <= end; y++ {
			years = append(years, strconv.Itoa(y))
		}
	case strings.Contains(spec, ","):
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			if _, err := strconv.Atoi(part); err != nil {
				return nil, fmt.Errorf("invalid year %q", part)
			}
			years = append(years, part)
		}
	default:
		if _, err := strconv.Atoi(spec); err != nil {
			return nil, fmt.Errorf("invalid year %q", spec)
		}
		years = append(years, spec)
	}

	sort.Strings(years)
	deduped := years[:0]
	for i, y := range years {
		if i == 0 || years[i-1] != y {
			deduped = append(deduped, y)
		}
	}
	return deduped, nil
}

// NormalizeURL ensures the base URL ends with exactly one slash.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/") + "/"
}

// parseSeconds parses a duration that may be given either as a Go duration
// string ("90s", "2m") or as a bare number of seconds ("300").
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
