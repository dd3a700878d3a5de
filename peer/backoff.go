package peer

import (
	"time"

	"github.com/cenkalti/backoff"
)

// fibonacciBackOff computes base * fib(attempt), capped at cap (spec.md
// §4.7). It satisfies cenkalti/backoff.BackOff so it composes with
// backoff.Retry wherever a caller wants an automatic retry loop instead
// of the PeerRegistry's own should_retry_now polling. base and cap come
// from config.Config.PeerBackoffBase/PeerBackoffCap rather than fixed
// constants, so a node can tune retry timing without a rebuild.
type fibonacciBackOff struct {
	attempt int
	base    time.Duration
	cap     time.Duration
}

var _ backoff.BackOff = (*fibonacciBackOff)(nil)

func (b *fibonacciBackOff) NextBackOff() time.Duration {
	delay := b.base * time.Duration(fibonacci(b.attempt))
	if delay <= 0 || delay > b.cap {
		delay = b.cap
	}
	b.attempt++
	return delay
}

func (b *fibonacciBackOff) Reset() { b.attempt = 0 }

func fibonacci(n int) int64 {
	if n <= 0 {
		return 1
	}
	var a, c int64 = 1, 1
	for i := 0; i < n; i++ {
		a, c = c, a+c
	}
	return a
}

// backoffDelay returns the delay a peer must wait before its next retry
// after attempts prior failures, given base and cap.
func backoffDelay(attempts int, base, cap time.Duration) time.Duration {
	b := &fibonacciBackOff{attempt: attempts, base: base, cap: cap}
	return b.NextBackOff()
}
