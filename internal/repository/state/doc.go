// Package state caches device firmware histories on disk so that one-shot
// command runs can validate rollbacks across invocations.
package state
