// Package dblock serialises test packages that share one Postgres database.
package dblock

import (
	"net"
	"os"
	"time"
)

const defaultLockAddr = "127.0.0.1:45432"

// Acquire blocks until this process owns the shared test lock. The lock is a
// bound TCP port, so it is released when the process exits even if the
// returned release func is never called.
func Acquire() (release func()) {
	addr := os.Getenv("DISPATCH_TEST_LOCK_ADDR")
	if addr == "" {
		addr = defaultLockAddr
	}
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return func() { _ = ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
