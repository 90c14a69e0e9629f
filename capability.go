package mcp2

// A CapabilityGate decides whether the local peer is permitted to send a
// given request or notification method, and whether it is permitted to
// register a handler for one, based on capabilities negotiated out of band
// (typically during MCP initialize). The engine itself does not interpret
// capability names; it only asks the gate yes/no questions at the points
// listed below (spec §4.9).
//
// When EngineOptions.EnforceStrictCapabilities is set, a "no" from
// AllowSend turns into a synchronous error at Call/Notify time instead of
// being deferred to the remote's own error response.
type CapabilityGate interface {
	// AllowSend reports whether method may be sent as an outbound request or
	// notification.
	AllowSend(method string, notification bool) bool

	// AllowHandle reports whether method may be registered as an inbound
	// request or notification handler.
	AllowHandle(method string, notification bool) bool

	// AllowTasks reports whether task-based execution (the task-creation
	// wire shape, and the tasks/* built-ins) may be used at all.
	AllowTasks() bool
}

// permissiveGate is the default CapabilityGate: every method and task usage
// is permitted. It matches the teacher's own posture of deferring capability
// enforcement to the application unless it opts in.
type permissiveGate struct{}

func (permissiveGate) AllowSend(string, bool) bool   { return true }
func (permissiveGate) AllowHandle(string, bool) bool { return true }
func (permissiveGate) AllowTasks() bool              { return true }

// errCapability reports a capability-gate rejection for method.
func errCapability(method string) *Error {
	return Errorf(InvalidRequest, "capability does not permit method %q", method)
}
