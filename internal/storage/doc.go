// Package storage persists task definitions and per-run execution records.
//
// It is shared by short-lived processes (the dispatcher pass, every wrapper
// process, the CLI), so every write is a single atomic statement or
// transaction and all coordination lives in the database file itself.
//
// Run lifecycle:
//   - created pending-completion (status NULL) by RecordExecution
//   - optionally moved to an informational status ("fetching_pid", "running")
//   - moved exactly once to a terminal status ("completed", "error") by a
//     guarded write that only applies while the run is still pending
package storage
