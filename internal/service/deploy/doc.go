// Package deploy runs a firmware rollout from the command line.
//
// It resolves the requested package version and groups, creates a job and
// drives every device through the simulator until the job is terminal.
// An interrupt cancels the job; devices already in flight finish their phase.
package deploy
