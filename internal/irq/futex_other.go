//go:build !linux

package irq

import (
	"sync/atomic"
	"time"
)

const fallbackPoll = 200 * time.Microsecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(fallbackPoll)
	}
}

func futexWake(addr *uint32) {}
