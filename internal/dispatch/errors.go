package dispatch

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/journeyman/internal/daemon"
	"github.com/mattjoyce/journeyman/internal/envelope"
)

// WorkError reports that the unit of work itself failed: the action
// returned an error or panicked, wherever it ran. The execution
// infrastructure is fine; for process isolation the daemon stays
// reusable. Only the cause chain crosses isolation boundaries, never the
// original error values, so no foreign types leak out of a module
// environment or worker process.
type WorkError struct {
	ActionType string
	WorkID     string
	Failure    *envelope.Failure
}

func (e *WorkError) Error() string {
	if e.Failure == nil {
		return fmt.Sprintf("action %s failed", e.ActionType)
	}
	return fmt.Sprintf("action %s failed: %s", e.ActionType, e.Failure.String())
}

// Failure kinds distinguishing the error taxonomy for metrics and API
// responses.
const (
	KindStart      = "start"
	KindParameters = "parameters"
	KindResult     = "result"
	KindConnection = "connection"
	KindWork       = "work"
	KindOther      = "other"
)

// FailureKind classifies err into the failure taxonomy.
func FailureKind(err error) string {
	var (
		startErr *daemon.StartError
		connErr  *daemon.ConnectionLostError
		paramErr *envelope.ParameterError
		resErr   *envelope.ResultError
		workErr  *WorkError
	)
	switch {
	case errors.As(err, &workErr):
		return KindWork
	case errors.As(err, &startErr):
		return KindStart
	case errors.As(err, &paramErr):
		return KindParameters
	case errors.As(err, &resErr):
		return KindResult
	case errors.As(err, &connErr):
		return KindConnection
	default:
		return KindOther
	}
}
