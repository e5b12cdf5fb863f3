// Package service implements supervision of the external test runner.
//
// Overview
// The Supervisor validates an execution request, writes a run configuration,
// spawns the runner and waits for it. It owns the registry of running
// executions, which is the only shared mutable state.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process
//   - streams stdout line by line (one goroutine, in order)
//   - keeps a bounded tail of stderr
//   - terminates the process tree with SIGTERM on cancel or timeout
//
// Data flow:
//
//	Execute               Runner{cmd}                 ResultStore / Bus
//	   |                     |                              |
//	   | validate            |                              |
//	   | publish start ----------------------------------->|
//	   | write run config    |                              |
//	   | StartRunner ------->| os/exec.Start                |
//	   |                     | stdout line ---- progress -->|
//	   |                     | Wait()                       |
//	   |<------ Result ------|                              |
//	   | collect artifacts ------------------------------->| PutArtifact
//	   | Save -------------------------------------------->|
//	   | publish complete|error --------------------------->|
//	   | callback (optional)                                |
//
// Invariants:
//   - Nothing is spawned for a request failing validation.
//   - Each execution publishes start, then progress events, then exactly
//     one complete or error event, all from the Execute goroutine or the
//     stdout reader, which finishes before Wait returns.
//   - A result never leaves the running state twice.
//   - An execution is registered before its process is spawned. Cancel is
//     idempotent, never force-kills and leaves an exited process alone.
//   - Run configurations and scratch directories are removed after exit.
package service
