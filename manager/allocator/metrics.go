package allocator

import (
	metrics "github.com/docker/go-metrics"
	"github.com/labipam/labipam/manager/allocator/errors"
)

var (
	ns = metrics.NewNamespace("labipam", "allocator", nil)

	allocateTimer   = ns.NewTimer("allocate", "Time taken to allocate addresses for a lab")
	deallocateTimer = ns.NewTimer("deallocate", "Time taken to release the addresses of a lab")

	requests    = ns.NewLabeledCounter("requests", "Engine mutations by operation and outcome", "operation", "outcome")
	busyRetries = ns.NewLabeledCounter("busy_attempts", "Write attempts that found the store busy", "operation")
)

func init() {
	metrics.Register(ns)
}

func startTimer(t metrics.Timer) func() {
	return metrics.StartTimer(t)
}

func countOutcome(op string, err error) {
	requests.WithValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsErrNotFound(err):
		return "not_found"
	case errors.IsErrCapacityExhausted(err):
		return "capacity_exhausted"
	case errors.IsErrBusy(err):
		return "busy"
	case errors.IsErrInvalidInput(err):
		return "invalid_input"
	default:
		return "internal"
	}
}
