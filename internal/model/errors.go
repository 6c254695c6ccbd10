package model

import "errors"

// The three control-flow errors steer the pipeline around provider hiccups.
// They are errors so they can travel through ordinary return paths, but each
// has a distinct meaning to the task runner and handlers.

// WaitError means the provider is still busy and the same task should run
// again later.
type WaitError struct {
	Reason string
}

func (e *WaitError) Error() string {
	if e.Reason == "" {
		return "provider is still busy"
	}
	return e.Reason
}

// RestartError means processing must be restarted from the production stage.
type RestartError struct {
	Reason string
}

func (e *RestartError) Error() string {
	if e.Reason == "" {
		return "processing must be restarted from scratch"
	}
	return e.Reason
}

// InterruptError means the failure is unrecoverable and the package should be
// escalated without further retries.
type InterruptError struct {
	Reason string
}

func (e *InterruptError) Error() string {
	if e.Reason == "" {
		return "giving up"
	}
	return e.Reason
}

// IsWait reports whether err asks for a later retry of the same stage.
func IsWait(err error) bool {
	var w *WaitError
	return errors.As(err, &w)
}

// IsRestart reports whether err asks for a restart from production.
func IsRestart(err error) bool {
	var r *RestartError
	return errors.As(err, &r)
}

// IsInterrupt reports whether err is an unrecoverable provider failure.
func IsInterrupt(err error) bool {
	var i *InterruptError
	return errors.As(err, &i)
}
