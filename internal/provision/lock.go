package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockRetryInterval = time.Second
	lockMaxWait       = 300 * time.Second
)

// acquireLock opens and non-blockingly tries path, exclusive, retrying
// every lockRetryInterval up to lockMaxWait. The returned release
// function is always safe to call, including after a failed acquire.
func acquireLock(ctx context.Context, path string) (release func(), err error) {
	fl := flock.New(path)
	deadline := time.Now().Add(lockMaxWait)

	for {
		locked, err := fl.TryLock()
		if err != nil {
			return func() {}, fmt.Errorf("provision: lock %s: %w", path, err)
		}
		if locked {
			return func() { fl.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return func() {}, fmt.Errorf("provision: timed out acquiring lock %s after %s", path, lockMaxWait)
		}
		select {
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
