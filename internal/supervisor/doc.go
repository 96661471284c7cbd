// Package supervisor runs the local metrics engine and keeps it healthy.
//
// Overview
// The Supervisor owns a single engine process at a time. Clients start,
// stop and reload it, and read the current Status or Endpoint. Lifecycle
// operations are serialized, a Start while the engine is Starting or
// Running reports the current state and does nothing else.
//
// States and the events moving between them form a fixed table, see
// Transition:
//
//	Uninstalled --start--> Starting --healthy--> Running
//	Starting --failed--> Crashed          Running --failed--> Crashed
//	Starting|Running --stop--> Stopping --exited--> Stopped
//	Stopped|Crashed --start--> Starting   Crashed --stop--> Stopped
//
// Runner is a thin wrapper around os/exec:
//   - starts the process
//   - logs stderr lines and keeps the last ones for a ProcessError
//   - delivers a single Result once the process exits
//
// Data flow:
//
//	Supervisor                 process{runner}            gocron
//	    |                           |                       |
//	Start() ------------------------> Runner.Start()          |
//	    | probe HealthURL until healthy or timeout          |
//	    |<------- Result (exit) ----|                       |
//	    |<----------------------------------- probe tick ---|
//	crashed(): restart once, Crashed if it fails again within the cooldown
//
// Invariants:
//   - At most one engine process per Supervisor.
//   - Endpoint is non-empty only while Running.
//   - A stopped process is killed after the grace period.
//   - Automatic restarts stop once Do returns or Close is called.
package supervisor
