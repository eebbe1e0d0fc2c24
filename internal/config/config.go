// Package config resolves cellbridge settings from flags, environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/processor"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CELLBRIDGE_MODULE.
const EnvPrefix = "CELLBRIDGE"

// DefaultDatabaseURL is used when neither --db nor POSTGRES_HOST is set.
const DefaultDatabaseURL = "postgres://localhost:5432/cellbridge"

// Keys, shared by flags, environment variables and the config file.
const (
	KeyInterpreter     = "interpreter"
	KeyInterpreterArgs = "interpreter-args"
	KeyModule          = "module"
	KeyAddressFlag     = "address-flag"
	KeyPipeline        = "pipeline"
	KeyInput           = "input"
	KeyKeyColumn       = "key-column"
	KeyBind            = "bind"
	KeyMerge           = "merge"
	KeyOut             = "out"
	KeyDB              = "db"
	KeySkipFailed      = "skip-failed"
	KeyConnectTimeout  = "connect-timeout"
	KeyRequestTimeout  = "request-timeout"
	KeyLogLevel        = "log-level"
	KeyLogPretty       = "log-pretty"
)

// Config is the resolved configuration of one invocation.
type Config struct {
	Interpreter     string
	InterpreterArgs []string
	ModulePath      string
	AddressFlag     string

	PipelinePath string
	InputPath    string
	KeyColumn    string
	Bindings     []processor.Binding
	Merge        bool
	OutPath      string
	DatabaseURL  string
	SkipFailed   bool

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	LogLevel  string
	LogPretty bool
}

// New returns a viper instance with defaults and environment binding set
// up. Flags are bound by the caller.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyInterpreter, bridge.DefaultInterpreter)
	v.SetDefault(KeyAddressFlag, bridge.DefaultAddressFlag)
	v.SetDefault(KeyConnectTimeout, bridge.DefaultConnectTimeout)
	v.SetDefault(KeyRequestTimeout, time.Duration(0))
	v.SetDefault(KeyLogLevel, "info")
	return v
}

// ReadFile merges a YAML (or any viper-supported) config file into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read config %s: %v", bridge.ErrConfiguration, path, err)
	}
	return nil
}

// Load resolves v into a Config. It does not check paths; see Validate.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Interpreter:     v.GetString(KeyInterpreter),
		InterpreterArgs: v.GetStringSlice(KeyInterpreterArgs),
		ModulePath:      v.GetString(KeyModule),
		AddressFlag:     v.GetString(KeyAddressFlag),
		PipelinePath:    v.GetString(KeyPipeline),
		InputPath:       v.GetString(KeyInput),
		KeyColumn:       v.GetString(KeyKeyColumn),
		Merge:           v.GetBool(KeyMerge),
		OutPath:         v.GetString(KeyOut),
		DatabaseURL:     v.GetString(KeyDB),
		SkipFailed:      v.GetBool(KeySkipFailed),
		ConnectTimeout:  v.GetDuration(KeyConnectTimeout),
		RequestTimeout:  v.GetDuration(KeyRequestTimeout),
		LogLevel:        v.GetString(KeyLogLevel),
		LogPretty:       v.GetBool(KeyLogPretty),
	}

	for _, s := range v.GetStringSlice(KeyBind) {
		b, err := processor.ParseBinding(s)
		if err != nil {
			return Config{}, err
		}
		c.Bindings = append(c.Bindings, b)
	}
	return c, nil
}

// Validate checks the settings a pipeline run needs before anything is
// started.
func (c Config) Validate() error {
	var errs []error
	if c.ModulePath == "" {
		errs = append(errs, errors.New("--module is required"))
	}
	if c.PipelinePath == "" {
		errs = append(errs, errors.New("--pipeline is required"))
	} else if err := regularFile(c.PipelinePath); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if c.RequestTimeout < 0 || c.ConnectTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", bridge.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

func regularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// Bridge converts c into a session configuration.
func (c Config) Bridge(logger *zerolog.Logger) bridge.Config {
	return bridge.Config{
		Interpreter:     c.Interpreter,
		InterpreterArgs: c.InterpreterArgs,
		ModulePath:      c.ModulePath,
		AddressFlag:     c.AddressFlag,
		ConnectTimeout:  c.ConnectTimeout,
		RequestTimeout:  c.RequestTimeout,
		Logger:          logger,
	}
}

// ResolveDatabaseURL returns the explicit URL, or one built from the
// POSTGRES_* variables, or DefaultDatabaseURL.
func ResolveDatabaseURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return DefaultDatabaseURL
}
