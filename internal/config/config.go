package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key named in spec §6. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from the config file,
// environment variables, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range BrokerOptions {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hpcbroker/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with HPCBROKER_ and use
	// underscores in place of dots (e.g. HPCBROKER_SERVER_ADDRESS).
	// The spec's bare names (HPC_SSH_USER, DEFAULT_HPC, ...) map onto
	// viper keys without dots, so they resolve as
	// HPCBROKER_HPC_SSH_USER etc.
	v.SetEnvPrefix("HPCBROKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case []int:
			fs.IntSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Spec §6 accessors
// ---------------------------------------------------------------------------

// SSHUser returns the default SSH username for single-user
// deployments, or "" if every request carries its own identity.
func (c *Config) SSHUser() string {
	return c.v.GetString(keySSHUser)
}

// SSHPrivateKeyPath returns the private key path used to authenticate
// to every configured cluster's login host. A leading "~" is left
// unexpanded here; callers resolve it against the process's home
// directory at dial time.
func (c *Config) SSHPrivateKeyPath() string {
	return c.v.GetString(keySSHPrivateKeyPath)
}

// DefaultHPC returns the pre-selected cluster name, or "" if the user
// must choose one explicitly.
func (c *Config) DefaultHPC() string {
	return c.v.GetString(keyDefaultHPC)
}

// DefaultIDE returns the pre-selected IDE.
func (c *Config) DefaultIDE() string {
	return c.v.GetString(keyDefaultIDE)
}

// DefaultCPUs returns the default CPU count used when a job
// submission does not specify one.
func (c *Config) DefaultCPUs() int {
	return c.v.GetInt(keyDefaultCPUs)
}

// DefaultMem returns the default memory string (e.g. "4G") used when
// a job submission does not specify one.
func (c *Config) DefaultMem() string {
	return c.v.GetString(keyDefaultMem)
}

// DefaultTime returns the default wall-clock time limit (e.g.
// "01:00:00") used when a job submission does not specify one.
func (c *Config) DefaultTime() string {
	return c.v.GetString(keyDefaultTime)
}

// AdditionalPorts returns the extra dev-server ports forwarded
// alongside the IDE's own port. An explicitly empty value yields an
// empty slice; an unset value yields the compiled default [5500].
func (c *Config) AdditionalPorts() []int {
	return c.v.GetIntSlice(keyAdditionalPorts)
}

// SessionIdleTimeout returns the idle duration after which a running
// session is eligible for reaping. A configured value of 0 disables
// the reaper.
func (c *Config) SessionIdleTimeout() time.Duration {
	return minutesToDuration(c.v.GetInt(keySessionIdleTimeout))
}

// EnableStatePersistence reports whether a session JSON snapshot
// should be written alongside the database on every mutation.
func (c *Config) EnableStatePersistence() bool {
	return c.v.GetBool(keyEnableStatePersistence)
}

// StateFile returns the location of the session snapshot file.
func (c *Config) StateFile() string {
	return c.v.GetString(keyStateFile)
}

// UseSQLite reports whether the embedded SQLite store should back
// persistence. Tests disable this in favour of an in-memory store.
func (c *Config) UseSQLite() bool {
	return c.v.GetBool(keyUseSQLite)
}

// ServerAddress returns the broker's HTTP listen address.
func (c *Config) ServerAddress() string {
	return c.v.GetString(keyServerAddress)
}

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string {
	return c.v.GetString(keyLogLevel)
}

// DBPath returns the path to the embedded SQLite database file.
func (c *Config) DBPath() string {
	return c.v.GetString(keyDBPath)
}
