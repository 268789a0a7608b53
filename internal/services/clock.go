package services

import "time"

// Clock abstracts time lookups so protection windows, staleness checks and
// coalescing can be driven by a virtual clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }
