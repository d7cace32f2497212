package decoder

// State is the lifecycle state of a pipeline.
type State string

// Pipeline states.
const (
	StateReady   State = "ready"   // no engine, no buffers
	StateStarted State = "started" // engine open, worker running or exited
)

// WorkerState is the phase of the decode worker.
type WorkerState string

// Worker phases.
const (
	WorkerIdle        WorkerState = "idle"
	WorkerWaitFormat  WorkerState = "wait-format"
	WorkerNegotiating WorkerState = "negotiating"
	WorkerDecoding    WorkerState = "decoding"
	WorkerDraining    WorkerState = "draining"
	WorkerDone        WorkerState = "done"
)
