package upstream

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// NewDeviceID mints an id in the web client's shape:
// <19 random digits>_<unix millis>_<6 random digits>.
func NewDeviceID(now time.Time) string {
	head := rand.Uint64N(9_000_000_000_000_000_000) + 1_000_000_000_000_000_000
	tail := rand.IntN(900000) + 100000
	return fmt.Sprintf("%d_%d_%d", head, now.UnixMilli(), tail)
}
