// Package shadow keeps device shadow documents in line with OTA outcomes.
//
// The Synchronizer is registered as a terminal observer of the orchestrator.
// Shadows are reached through a Boundary: MQTTShadows for a real broker and
// MemoryShadows for local runs and tests.
package shadow
