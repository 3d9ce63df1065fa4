// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (HPCBROKER_ prefix on the spec §6 names,
//     e.g. HPCBROKER_HPC_SSH_USER, HPCBROKER_DEFAULT_HPC)
//  3. Config file (config.yaml in . or /etc/hpcbroker/)
//  4. Compiled defaults
package config

// Viper keys for broker-wide defaults (spec §6).
const (
	keySSHUser              = "hpc_ssh_user"
	keySSHPrivateKeyPath     = "ssh_private_key_path"
	keyDefaultHPC            = "default_hpc"
	keyDefaultIDE            = "default_ide"
	keyDefaultCPUs           = "default_cpus"
	keyDefaultMem            = "default_mem"
	keyDefaultTime           = "default_time"
	keyAdditionalPorts       = "additional_ports"
	keySessionIdleTimeout    = "session_idle_timeout"
	keyEnableStatePersistence = "enable_state_persistence"
	keyStateFile             = "state_file"
	keyUseSQLite             = "use_sqlite"
)

// Viper keys for the broker's HTTP listen address, log level, and
// SQLite database path — ambient concerns not named by spec §6 but
// required by every otherwise-complete binary.
const (
	keyServerAddress = "server.address"
	keyLogLevel      = "log.level"
	keyDBPath        = "db.path"
)
