// Package client implements the commands that talk to a running orchestration
// server: submitting jobs and rollbacks, listing jobs, describing and canceling
// them, and watching a job until it reaches a terminal state.
package client
