package jitter

import "time"

// estimator is the RFC 3550 interarrival jitter filter. Timestamps are media
// milliseconds.
type estimator struct {
	started   bool
	timestamp uint32
	arrival   time.Time
	jitter    float64 // milliseconds
}

func (e *estimator) accumulate(ts uint32, arrival time.Time) {
	if !e.started {
		e.started = true
		e.timestamp = ts
		e.arrival = arrival
		return
	}

	transit := float64(arrival.Sub(e.arrival))/float64(time.Millisecond) - float64(int32(ts-e.timestamp))
	if transit < 0 {
		transit = -transit
	}
	e.jitter += (transit - e.jitter) / 16

	e.timestamp = ts
	e.arrival = arrival
}

func (e *estimator) value() time.Duration {
	return time.Duration(e.jitter * float64(time.Millisecond))
}
