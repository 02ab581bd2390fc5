package orchestrator

import "fmt"

// PersistenceError reports a failed database write; the batch it belongs to is rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchError reports a task the broker did not accept. The job is failed, not left pending.
type DispatchError struct {
	JobID string
	Queue string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch job %s to %s: %v", e.JobID, e.Queue, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
