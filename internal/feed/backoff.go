package feed

import (
	"math/rand"
	"time"
)

// backoff computes exponential backoff with full jitter: a random duration
// in [0, min(cap, base*2^attempt)), per spec §4.1. Grounded on the
// teacher's nats.go reconnect options (ReconnectWait/ReconnectJitter in
// go-server/pkg/nats/client.go), generalized from NATS's fixed-wait+jitter
// scheme to the spec's doubling-with-cap scheme since this client owns its
// own reconnect loop rather than delegating to a library.
func backoff(attempt int, floor, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := floor
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
