package pool

// Stats tracks cumulative lifetime counts for one pool instance. It is
// mutated only inside the pool's completion path and read via snapshot copy,
// so the struct itself carries no synchronization.
type Stats struct {
	Submitted   int
	Completed   int
	Failed      int
	TimedOut    int
	Cancelled   int
	Retried     int
	CacheHits   int
	CacheMisses int
}

// finished is the number of items that ran to a terminal outcome, excluding
// cancellations.
func (s Stats) finished() int {
	return s.Completed + s.Failed + s.TimedOut
}

// ErrorRate is failed over finished, computed over all-time counts rather
// than a sliding window.
func (s Stats) ErrorRate() float64 {
	if s.finished() == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.finished())
}

// TimeoutRate is timed-out over finished, computed over all-time counts.
func (s Stats) TimeoutRate() float64 {
	if s.finished() == 0 {
		return 0
	}
	return float64(s.TimedOut) / float64(s.finished())
}
