package core

import "time"

// RealClock is the production Clock backed by the system wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
