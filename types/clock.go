package types

import "time"

// Clock abstracts time so that timeouts and backoff sleeps can be driven
// by a fake clock in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
