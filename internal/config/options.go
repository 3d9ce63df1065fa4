package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// BrokerOptions defines every scalar configuration entry named in
// spec §6, plus the SSH private key path, server address, log level
// and database path ambient options not named there. Cluster
// definitions are not included here: they are a list of structs,
// loaded separately via (*Config).Clusters.
var BrokerOptions = []Option{
	{Key: keySSHUser, Flag: toFlag(keySSHUser), Default: "", Description: "Default SSH username for single-user deployments"},
	{Key: keySSHPrivateKeyPath, Flag: toFlag(keySSHPrivateKeyPath), Default: "~/.ssh/id_rsa", Description: "Private key used to authenticate to every configured cluster's login host"},
	{Key: keyDefaultHPC, Flag: toFlag(keyDefaultHPC), Default: "", Description: "Pre-selected cluster name"},
	{Key: keyDefaultIDE, Flag: toFlag(keyDefaultIDE), Default: "vscode", Description: "Pre-selected IDE"},
	{Key: keyDefaultCPUs, Flag: toFlag(keyDefaultCPUs), Default: 1, Description: "Default CPU count for job submission"},
	{Key: keyDefaultMem, Flag: toFlag(keyDefaultMem), Default: "4G", Description: "Default memory for job submission"},
	{Key: keyDefaultTime, Flag: toFlag(keyDefaultTime), Default: "01:00:00", Description: "Default wall-clock time for job submission"},
	{Key: keyAdditionalPorts, Flag: toFlag(keyAdditionalPorts), Default: []int{5500}, Description: "Extra dev-server ports forwarded alongside the IDE"},
	{Key: keySessionIdleTimeout, Flag: toFlag(keySessionIdleTimeout), Default: 0, Description: "Minutes of inactivity before a running session is reaped; 0 disables"},
	{Key: keyEnableStatePersistence, Flag: toFlag(keyEnableStatePersistence), Default: true, Description: "Write a session JSON snapshot alongside the database"},
	{Key: keyStateFile, Flag: toFlag(keyStateFile), Default: "state.json", Description: "Location of the session snapshot file"},
	{Key: keyUseSQLite, Flag: toFlag(keyUseSQLite), Default: true, Description: "Use the embedded SQLite store; disable for tests backed by an in-memory store"},
	{Key: keyServerAddress, Flag: toFlag(keyServerAddress), Default: ":8080", Description: "Broker HTTP listen address"},
	{Key: keyLogLevel, Flag: toFlag(keyLogLevel), Default: "info", Description: "Log level: debug, info, warn, error"},
	{Key: keyDBPath, Flag: toFlag(keyDBPath), Default: "hpcbroker.db", Description: "Path to the embedded SQLite database file"},
}

// minutesToDuration converts a count of minutes, the unit
// SESSION_IDLE_TIMEOUT is stored in, into a time.Duration.
func minutesToDuration(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// toFlag converts a viper key like "session_idle_timeout" into a CLI
// flag like "session-idle-timeout" by lower-casing and replacing
// underscores and dots with hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
