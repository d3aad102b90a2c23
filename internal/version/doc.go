// Package version exposes build metadata and the cobra version subcommand.
package version
