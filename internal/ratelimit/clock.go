package ratelimit

import "time"

// Clock abstracts time for deterministic tests. Production code passes
// RealClock; tests advance a fake.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
