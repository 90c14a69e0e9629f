// Package metrics exposes Engine instrumentation as expvar counters, the
// same mechanism jrpc2's Server uses for its per-process metrics.
package metrics

import "expvar"

var (
	enginesActive = new(expvar.Int)

	rpcRequestsCount       = new(expvar.Int)
	rpcErrorsCount         = new(expvar.Int)
	rpcNotificationsSent   = new(expvar.Int)
	rpcNotificationsRecv   = new(expvar.Int)
	tasksCreatedCount      = new(expvar.Int)
	tasksCompletedCount    = new(expvar.Int)
	tasksFailedCount       = new(expvar.Int)
	tasksCancelledCount    = new(expvar.Int)

	engineMetrics = new(expvar.Map)
)

func init() {
	engineMetrics.Set("engines_active", enginesActive)
	engineMetrics.Set("rpc_requests", rpcRequestsCount)
	engineMetrics.Set("rpc_errors", rpcErrorsCount)
	engineMetrics.Set("notifications_sent", rpcNotificationsSent)
	engineMetrics.Set("notifications_received", rpcNotificationsRecv)
	engineMetrics.Set("tasks_created", tasksCreatedCount)
	engineMetrics.Set("tasks_completed", tasksCompletedCount)
	engineMetrics.Set("tasks_failed", tasksFailedCount)
	engineMetrics.Set("tasks_cancelled", tasksCancelledCount)
}

// Global returns the process-wide metrics map for publishing via
// expvar.Publish or an equivalent exporter. It is shared across every
// Engine in the process, mirroring jrpc2.ServerMetrics.
func Global() *expvar.Map { return engineMetrics }

// Counters is a per-Engine handle into the shared expvar counters, letting
// each Engine record its own events without allocating new exported
// variables per instance.
type Counters struct{}

// New registers one more active engine and returns a Counters handle. The
// caller should call Counters.Stopped when the engine shuts down.
func New() Counters {
	enginesActive.Add(1)
	return Counters{}
}

func (Counters) Stopped() { enginesActive.Add(-1) }

func (Counters) RequestHandled(isError bool) {
	rpcRequestsCount.Add(1)
	if isError {
		rpcErrorsCount.Add(1)
	}
}

func (Counters) NotificationSent()   { rpcNotificationsSent.Add(1) }
func (Counters) NotificationRecv()   { rpcNotificationsRecv.Add(1) }
func (Counters) TaskCreated()        { tasksCreatedCount.Add(1) }
func (Counters) TaskCompleted()      { tasksCompletedCount.Add(1) }
func (Counters) TaskFailed()         { tasksFailedCount.Add(1) }
func (Counters) TaskCancelled()      { tasksCancelledCount.Add(1) }
