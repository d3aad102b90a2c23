// Package orchestrator creates OTA jobs and owns the job state machine.
//
// The orchestrator is the in-process system of record for jobs and their
// device execution records. Job state is never stored: DescribeJob derives it
// from per-state device counts on every read, and freezes the snapshot once
// every device is terminal. Device records are written through an Execution,
// one writer per record, and every terminal transition is reported exactly
// once to the registered TerminalObservers.
package orchestrator
