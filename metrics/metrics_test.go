package metrics_test

import (
	"strconv"
	"testing"

	"github.com/modelctx/mcp2/metrics"
)

func varInt(t *testing.T, name string) int64 {
	t.Helper()
	v := metrics.Global().Get(name)
	if v == nil {
		t.Fatalf("no such exported var %q", name)
	}
	n, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		t.Fatalf("parsing %q value %q: %v", name, v.String(), err)
	}
	return n
}

func TestNewTracksActiveEngines(t *testing.T) {
	before := varInt(t, "engines_active")
	c := metrics.New()
	if got := varInt(t, "engines_active"); got != before+1 {
		t.Errorf("engines_active after New = %d, want %d", got, before+1)
	}
	c.Stopped()
	if got := varInt(t, "engines_active"); got != before {
		t.Errorf("engines_active after Stopped = %d, want %d", got, before)
	}
}

func TestRequestHandledCountsErrorsSeparately(t *testing.T) {
	c := metrics.New()
	defer c.Stopped()

	beforeReqs := varInt(t, "rpc_requests")
	beforeErrs := varInt(t, "rpc_errors")

	c.RequestHandled(false)
	if got := varInt(t, "rpc_requests"); got != beforeReqs+1 {
		t.Errorf("rpc_requests = %d, want %d", got, beforeReqs+1)
	}
	if got := varInt(t, "rpc_errors"); got != beforeErrs {
		t.Errorf("rpc_errors after a non-error call = %d, want %d", got, beforeErrs)
	}

	c.RequestHandled(true)
	if got := varInt(t, "rpc_requests"); got != beforeReqs+2 {
		t.Errorf("rpc_requests = %d, want %d", got, beforeReqs+2)
	}
	if got := varInt(t, "rpc_errors"); got != beforeErrs+1 {
		t.Errorf("rpc_errors after an error call = %d, want %d", got, beforeErrs+1)
	}
}

func TestNotificationCounters(t *testing.T) {
	c := metrics.New()
	defer c.Stopped()

	beforeSent := varInt(t, "notifications_sent")
	beforeRecv := varInt(t, "notifications_received")

	c.NotificationSent()
	c.NotificationSent()
	c.NotificationRecv()

	if got := varInt(t, "notifications_sent"); got != beforeSent+2 {
		t.Errorf("notifications_sent = %d, want %d", got, beforeSent+2)
	}
	if got := varInt(t, "notifications_received"); got != beforeRecv+1 {
		t.Errorf("notifications_received = %d, want %d", got, beforeRecv+1)
	}
}

func TestTaskCounters(t *testing.T) {
	c := metrics.New()
	defer c.Stopped()

	before := map[string]int64{
		"tasks_created":   varInt(t, "tasks_created"),
		"tasks_completed": varInt(t, "tasks_completed"),
		"tasks_failed":    varInt(t, "tasks_failed"),
		"tasks_cancelled": varInt(t, "tasks_cancelled"),
	}

	c.TaskCreated()
	c.TaskCompleted()
	c.TaskFailed()
	c.TaskCancelled()

	for name, want := range before {
		if got := varInt(t, name); got != want+1 {
			t.Errorf("%s = %d, want %d", name, got, want+1)
		}
	}
}

func TestGlobalIsStableAcrossCalls(t *testing.T) {
	if metrics.Global() != metrics.Global() {
		t.Error("Global() returned different maps on successive calls")
	}
}
