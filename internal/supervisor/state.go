package supervisor

import "fmt"

type State int

const (
	Uninstalled State = iota
	Starting
	Running
	Stopping
	Stopped
	Crashed
)

var stateNames = [...]string{
	Uninstalled: "uninstalled",
	Starting:    "starting",
	Running:     "running",
	Stopping:    "stopping",
	Stopped:     "stopped",
	Crashed:     "crashed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Event int

const (
	// EventStart is a start request, either from a caller or from the
	// restart policy.
	EventStart Event = iota
	// EventHealthy is a successful health probe.
	EventHealthy
	// EventReload is an applied configuration reload.
	EventReload
	// EventFailed is an exit, a startup timeout or too many failed probes.
	EventFailed
	// EventStop is a shutdown request.
	EventStop
	// EventExited means a stopped process is gone.
	EventExited
)

var eventNames = [...]string{
	EventStart:   "start",
	EventHealthy: "healthy",
	EventReload:  "reload",
	EventFailed:  "failed",
	EventStop:    "stop",
	EventExited:  "exited",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("Event(%d)", int(e))
	}
	return eventNames[e]
}

type edge struct {
	from State
	on   Event
}

var transitions = map[edge]State{
	{Uninstalled, EventStart}: Starting,

	{Starting, EventHealthy}: Running,
	{Starting, EventFailed}:  Crashed,
	{Starting, EventStop}:    Stopping,

	{Running, EventHealthy}: Running,
	{Running, EventReload}:  Running,
	{Running, EventFailed}:  Crashed,
	{Running, EventStop}:    Stopping,

	{Stopping, EventExited}: Stopped,

	{Stopped, EventStart}: Starting,

	{Crashed, EventStart}: Starting,
	{Crashed, EventStop}:  Stopped,
}

// Transition returns the state reached from s on e. The second result is
// false when e is not accepted in s, the state is then unchanged.
func Transition(s State, e Event) (State, bool) {
	to, ok := transitions[edge{s, e}]
	if !ok {
		return s, false
	}
	return to, true
}
