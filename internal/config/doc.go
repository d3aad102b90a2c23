// Package config defines the fleet-ota settings file and provides helpers to
// load, validate and save it in YAML format. Secrets may be overlaid from the
// environment or a .env file.
package config
