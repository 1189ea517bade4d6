package twine_test

import (
	"testing"
	"time"
)

// waitFor polls cond until it's true or a short deadline elapses, failing
// the test on timeout. Used throughout the package's tests in place of a
// fixed sleep, since delivery across dummy links happens on a background
// goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// waitForDuration gives background delivery goroutines a beat to run,
// for assertions that something did NOT happen.
func waitForDuration() {
	time.Sleep(50 * time.Millisecond)
}

// timeoutCh returns a channel that fires after a short deadline, failing
// the test with msg if read before the real signal.
func timeoutCh(t *testing.T, msg string) <-chan time.Time {
	t.Helper()
	ch := make(chan time.Time)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		select {
		case <-time.After(2 * time.Second):
		case <-stop:
			return
		}
		t.Errorf("timed out waiting for: %s", msg)
		select {
		case ch <- time.Now():
		case <-stop:
		}
	}()
	return ch
}
