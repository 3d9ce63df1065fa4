package sshclient

import "time"

// ClusterConfig is the per-cluster SSH login configuration: host,
// credentials, host-key policy, dial timeout and pool size.
// MaxRetries is defaulted but Client does not read it: every dial
// makes one attempt plus three fixed retries. KeepAliveInterval is not
// read either.
type ClusterConfig struct {
	Host string
	Port int
	User string

	PrivateKeyPath string
	PrivateKey     string
	Password       string

	// HostKeyCallback selects host key verification: "ignore" or
	// "known_hosts" (default).
	HostKeyCallback string
	KnownHostsPath  string

	Timeout           time.Duration
	KeepAliveInterval time.Duration
	MaxRetries        int
	PoolSize          int
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.Port <= 0 {
		c.Port = 22
	}
	return c
}
