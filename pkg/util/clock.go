package util

import "time"

// Clock abstracts the source of time so oracle windows and order deadlines
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Unix() uint64
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
func (RealClock) Unix() uint64   { return uint64(time.Now().Unix()) }
