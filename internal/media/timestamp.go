package media

// Timeval is a presentation timestamp split the way the driver carries it.
type Timeval struct {
	Sec  int64
	Usec int64
}

// TimevalFromMicros splits a microsecond timestamp into seconds and remainder.
func TimevalFromMicros(us int64) Timeval {
	return Timeval{Sec: us / 1_000_000, Usec: us % 1_000_000}
}

// Micros reassembles the timestamp in microseconds.
func (t Timeval) Micros() int64 {
	return t.Sec*1_000_000 + t.Usec
}
