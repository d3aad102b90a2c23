// Package ota holds the shared model of the firmware rollout domain:
// packages, versions, artifacts, groups, jobs, per-device execution records
// and firmware history, together with the pure job and device state machines.
//
// Nothing in this package performs I/O. Components own their records and
// hand out clones so callers never share mutable state.
package ota
