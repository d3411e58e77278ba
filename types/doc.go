// Package types defines the shared data model of the agentrun client:
// the Run and Orchestrator records, the run status state machine, the
// tagged LogEntry variant, and the structured error taxonomy used across
// all packages.
package types
