// Package logger wraps zap with a process-wide sugared logger and context helpers
// (ToContext/FromContext/WithName/WithKV) so that every component can log with
// job and device fields attached upstream.
package logger
