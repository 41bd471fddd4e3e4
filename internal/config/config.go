package config

import (
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/metrics"
	"codeberg.org/mutker/dvfsctl/internal/opp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultInterval  = 2
	DefaultEnvPrefix = "DVFSCTL"
	DefaultLogLevel  = LogLevelWarning

	configName = "dvfsctl.conf"

	ErrNoDomains        = errors.ErrorCode("config_no_domains")
	ErrDuplicateDomain  = errors.ErrorCode("config_duplicate_domain")
	ErrUnknownDriver    = errors.ErrorCode("config_unknown_driver")
	ErrInvalidTable     = errors.ErrorCode("config_invalid_opp_table")
	ErrInvalidSustained = errors.ErrorCode("config_invalid_sustained_idx")
	ErrInvalidRetry     = errors.ErrorCode("config_invalid_retry")
	ErrUnknownRounding  = errors.ErrorCode("config_unknown_round_mode")
	ErrInvalidRequest   = errors.ErrorCode("config_invalid_level_request")
)

type OPPConfig struct {
	Level     uint32 `mapstructure:"level"`
	Frequency uint32 `mapstructure:"frequency"`
	Voltage   uint32 `mapstructure:"voltage"`
	Power     uint32 `mapstructure:"power"`
}

// SimConfig tunes the simulated drivers. Latencies of zero make the
// drivers answer synchronously.
type SimConfig struct {
	VoltageLatencyUS uint32 `mapstructure:"voltage_latency_us"`
	RateLatencyUS    uint32 `mapstructure:"rate_latency_us"`
	BootVoltage      uint32 `mapstructure:"boot_voltage"`
}

type DomainConfig struct {
	Name         string      `mapstructure:"name"`
	Driver       Driver      `mapstructure:"driver"`
	Device       int         `mapstructure:"device"`
	RetryUS      uint32      `mapstructure:"retry_us"`
	RetryMaxUS   uint32      `mapstructure:"retry_max_us"`
	RoundMode    Rounding    `mapstructure:"round_mode"`
	RoundArg     uint64      `mapstructure:"round_arg"`
	Latency      uint16      `mapstructure:"latency"`
	SustainedIdx int         `mapstructure:"sustained_idx"`
	Alarm        *bool       `mapstructure:"alarm"`
	Sim          SimConfig   `mapstructure:"sim"`
	OPPs         []OPPConfig `mapstructure:"opps"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	BackupKeep   int           `mapstructure:"backup_keep"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

type Config struct {
	Interval int            `mapstructure:"interval"`
	Debug    bool           `mapstructure:"debug"`
	Verbose  bool           `mapstructure:"verbose"`
	Monitor  bool           `mapstructure:"monitor"`
	LogLevel LogLevel       `mapstructure:"log_level"`
	Set      []string       `mapstructure:"set"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Domains  []DomainConfig `mapstructure:"domains"`
}

// LevelRequest is a parsed --set entry.
type LevelRequest struct {
	Domain string
	Level  uint32
}

// Load reads configuration from the config file, the environment and args,
// in increasing order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if path == "" {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = v.GetString("config")
	}
	if err := readConfig(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("monitor", false)
	v.SetDefault("log_level", "")
	v.SetDefault("set", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.db_path", "/var/lib/dvfsctl/transitions.db")
	v.SetDefault("metrics.batch_size", 32)
	v.SetDefault("metrics.batch_timeout", 5*time.Second)
	v.SetDefault("metrics.backup_keep", 3)
	v.SetDefault("metrics.history_limit", 0)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("dvfsctl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.Int("interval", DefaultInterval, "Seconds between status reports")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.Bool("monitor", false, "Only report domain levels, do not apply --set requests")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.StringArray("set", nil, "Request a level at start-up, as name=level (repeatable)")
	fs.Bool("metrics", false, "Record level transitions to the metrics database")
	fs.String("metrics-db", "", "Path to the metrics database")
	return fs
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"interval":        "interval",
		"debug":           "debug",
		"verbose":         "verbose",
		"monitor":         "monitor",
		"log_level":       "log-level",
		"set":             "set",
		"metrics.enabled": "metrics",
		"metrics.db_path": "metrics-db",
	}
	for key, name := range bindings {
		f := fs.Lookup(name)
		// Unchanged flags would shadow values from the config file.
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func readConfig(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath("/etc/dvfsctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if len(c.Domains) == 0 {
		return errFactory.New(ErrNoDomains)
	}

	seen := make(map[string]bool, len(c.Domains))
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Name == "" {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "domain without name")
		}
		if seen[d.Name] {
			return errFactory.WithData(ErrDuplicateDomain, d.Name)
		}
		seen[d.Name] = true

		if err := d.validate(); err != nil {
			return err
		}
	}

	if _, err := c.Requests(); err != nil {
		return err
	}

	if err := c.Metrics.ToMetrics().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}

func (d *DomainConfig) validate() error {
	errFactory := errors.New()

	if d.Driver == "" {
		d.Driver = DriverSim
	}
	if !d.Driver.IsValid() {
		return errFactory.WithData(ErrUnknownDriver, d.Driver)
	}
	if d.RoundMode == "" {
		d.RoundMode = RoundingNone
	}
	if !d.RoundMode.IsValid() {
		return errFactory.WithData(ErrUnknownRounding, d.RoundMode)
	}

	table := d.Table()
	if err := table.Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidTable, err).WithMessage("domain " + d.Name)
	}
	if _, err := table.Sustained(d.SustainedIdx); err != nil {
		return errFactory.WithData(ErrInvalidSustained, d.SustainedIdx)
	}
	if d.RetryMaxUS != 0 && d.RetryMaxUS < d.RetryUS {
		return errFactory.WithData(ErrInvalidRetry, d.Name)
	}

	return nil
}

// Table converts the configured entries into an OPP table
func (d DomainConfig) Table() opp.Table {
	table := make(opp.Table, 0, len(d.OPPs))
	for _, o := range d.OPPs {
		table = append(table, opp.OperatingPoint{
			Level:     o.Level,
			Frequency: o.Frequency,
			Voltage:   o.Voltage,
			Power:     o.Power,
		})
	}
	return table
}

func (d DomainConfig) Retry() time.Duration {
	return time.Duration(d.RetryUS) * time.Microsecond
}

func (d DomainConfig) RetryMax() time.Duration {
	return time.Duration(d.RetryMaxUS) * time.Microsecond
}

// AlarmEnabled reports whether retries are deferred through a timer.
// Enabled unless explicitly switched off.
func (d DomainConfig) AlarmEnabled() bool {
	return d.Alarm == nil || *d.Alarm
}

// ToMetrics converts to the metrics package configuration
func (m MetricsConfig) ToMetrics() metrics.Config {
	cfg := metrics.DefaultConfig()
	cfg.Enabled = m.Enabled
	cfg.DBPath = m.DBPath
	cfg.BatchSize = m.BatchSize
	cfg.BatchTimeout = m.BatchTimeout
	cfg.BackupKeep = m.BackupKeep
	cfg.HistoryLimit = m.HistoryLimit
	return cfg
}

// Requests parses the --set entries
func (c *Config) Requests() ([]LevelRequest, error) {
	errFactory := errors.New()

	reqs := make([]LevelRequest, 0, len(c.Set))
	for _, s := range c.Set {
		name, level, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, errFactory.WithData(ErrInvalidRequest, s)
		}

		n, err := strconv.ParseUint(level, 10, 32)
		if err != nil {
			return nil, errFactory.WithData(ErrInvalidRequest, s)
		}

		d, found := c.Domain(name)
		if !found {
			return nil, errFactory.WithData(ErrInvalidRequest, s)
		}
		if _, err := d.Table().ForLevel(uint32(n)); err != nil {
			return nil, errFactory.WithData(ErrInvalidRequest, s)
		}

		reqs = append(reqs, LevelRequest{Domain: name, Level: uint32(n)})
	}

	return reqs, nil
}

func (c *Config) Domain(name string) (DomainConfig, bool) {
	for _, d := range c.Domains {
		if d.Name == name {
			return d, true
		}
	}
	return DomainConfig{}, false
}
