package webhook

import "time"

// retrySchedule is the wait after the nth failed attempt, in minutes.
var retrySchedule = []int{3, 5, 30, 60, 360, 1440, 4320, 10080, 43200}

// NextDelay returns the wait before the next attempt after attempts
// deliveries have been tried. Counts past the schedule reuse its last entry.
func NextDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	return time.Duration(retrySchedule[idx]) * time.Minute
}
