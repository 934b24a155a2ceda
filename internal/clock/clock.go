// Package clock defines the time source used by components that need to be
// tested against a controlled clock.
package clock

import "time"

// Clock yields the current time. Production code uses system.Clock; tests
// substitute a fake.
type Clock interface {
	Now() time.Time
}
