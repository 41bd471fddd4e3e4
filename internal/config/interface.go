package config

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "DVFSCTL"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Driver names a hardware back-end for a domain
type Driver string

const (
	DriverSim  Driver = "sim"
	DriverNVML Driver = "nvml"
)

func (d Driver) IsValid() bool {
	return d == DriverSim || d == DriverNVML
}

// Rounding names how a clock treats a rate it cannot hit exactly
type Rounding string

const (
	RoundingNone    Rounding = "none"
	RoundingNearest Rounding = "nearest"
	RoundingDown    Rounding = "down"
	RoundingUp      Rounding = "up"
)

func (r Rounding) IsValid() bool {
	switch r {
	case RoundingNone, RoundingNearest, RoundingDown, RoundingUp:
		return true
	default:
		return false
	}
}
