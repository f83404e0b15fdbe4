package envelope

import "fmt"

// ParameterError reports a work parameter that could not be serialized.
// No worker process is contacted when this is returned; the submission
// fails before anything crosses the boundary.
type ParameterError struct {
	ActionType string
	Index      int
	Err        error
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("action %s: parameter %d is not serializable: %v", e.ActionType, e.Index, e.Err)
}

func (e *ParameterError) Unwrap() error { return e.Err }

// ResultError reports a response that could not be deserialized. The
// handle that produced it is in an unknown state and must be discarded,
// not returned to the pool.
type ResultError struct {
	WorkID string
	Reason string
	Err    error
}

func (e *ResultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("work %s: %s: %v", e.WorkID, e.Reason, e.Err)
	}
	return fmt.Sprintf("work %s: %s", e.WorkID, e.Reason)
}

func (e *ResultError) Unwrap() error { return e.Err }
