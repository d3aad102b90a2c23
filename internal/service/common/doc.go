// Package common holds helpers shared by several services.
//
// It builds the component stack from settings, provides a gRPC client wrapper
// with timeouts, and detects the current system actor (username@hostname) for
// audit purposes.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
