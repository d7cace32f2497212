package decoder

import (
	"errors"
	"time"
)

// errRetryTimeout is returned by retry.do when the deadline passes.
var errRetryTimeout = errors.New("retry timed out")

// retry polls an operation at a fixed interval. Elapsed time is counted in
// intervals slept, so an injected sleeper makes it fully deterministic.
type retry struct {
	interval time.Duration
	timeout  time.Duration // zero means no limit
	sleep    func(time.Duration)
}

// do calls op until it reports done or returns an error.
func (r retry) do(op func() (bool, error)) error {
	sleep := r.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var waited time.Duration
	for {
		done, err := op()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if r.timeout > 0 && waited >= r.timeout {
			return errRetryTimeout
		}
		sleep(r.interval)
		waited += r.interval
	}
}
