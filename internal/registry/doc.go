// Package registry owns firmware packages, their versions and artifacts.
// The registry is append-only: packages and versions are never mutated once created.
package registry
