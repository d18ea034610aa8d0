package transporttest

import "time"

func secondsOf(value int64) time.Duration {
	return time.Duration(value) * time.Second
}

// Eventually polls condition until it holds or timeout elapses.
func Eventually(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
