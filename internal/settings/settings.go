// Package settings loads envprep's own runtime settings from flags, the
// environment and an optional settings file.
package settings

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dangazineu/envprep/internal/logger"
)

// EnvPrefix prefixes environment variables that override settings, e.g.
// ENVPREP_LOG_FORMAT=json.
const EnvPrefix = "ENVPREP"

// Keys are also the names of the flags bound to them.
const (
	KeyLogFormat     = "log-format"
	KeyDebug         = "debug"
	KeyQuiet         = "quiet"
	KeyControllerDir = "controller-dir"
)

// Settings are the resolved runtime settings.
type Settings struct {
	LogFormat     string `mapstructure:"log-format"`
	Debug         bool   `mapstructure:"debug"`
	Quiet         bool   `mapstructure:"quiet"`
	ControllerDir string `mapstructure:"controller-dir"`
}

// LoggerOptions translates the settings into logger options.
func (s Settings) LoggerOptions() []logger.Option {
	opts := []logger.Option{logger.WithFormat(s.LogFormat)}
	if s.Debug {
		opts = append(opts, logger.WithDebug())
	}
	if s.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	return opts
}

// Loader resolves settings. Precedence, highest first: flags, environment,
// settings file, defaults.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a loader reading configFile when it is not empty.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyQuiet, false)
	v.SetDefault(KeyControllerDir, "")

	return &Loader{v: v, configFile: configFile}
}

// BindFlags binds every settings flag present in flags.
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	for _, key := range []string{KeyLogFormat, KeyDebug, KeyQuiet, KeyControllerDir} {
		f := flags.Lookup(key)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the settings file, if any, and resolves the settings.
func (l *Loader) Load() (Settings, error) {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read settings file %s: %w", l.configFile, err)
		}
	}

	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return Settings{}, fmt.Errorf("unsupported log format %q", s.LogFormat)
	}
	return s, nil
}
