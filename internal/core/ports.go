package core

import (
	"context"
	"time"
)

// SshExec is the single upstream collaborator every cluster-touching
// component depends on. Its concrete implementation (key-based
// authentication, connection pooling, retry) lives outside core so
// that PartitionRefresher, JobPoller, HealthPoller, IdleReaper and
// TunnelManager can all be built and tested against a fake.
type SshExec interface {
	// Exec runs command against cluster's login host and returns its
	// combined stdout. A non-zero exit status is reported as an
	// error wrapping the command's stderr.
	Exec(ctx context.Context, cluster, command string) (stdout string, err error)
}

// Clock abstracts time.Now so that poll-interval and idle-timeout
// logic can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}
