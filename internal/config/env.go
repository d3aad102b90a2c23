package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the settings file.
const (
	EnvS3AccessKeyID     = "FLEET_OTA_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "FLEET_OTA_S3_SECRET_ACCESS_KEY"
	EnvMQTTPassword      = "FLEET_OTA_MQTT_PASSWORD"
	EnvInfluxDBToken     = "FLEET_OTA_INFLUXDB_TOKEN"
	EnvRedisAddress      = "FLEET_OTA_REDIS_ADDR"

	// DefaultEnvFilename is loaded when present.
	DefaultEnvFilename = ".env"
)

// ApplyEnv loads envFile (".env" when empty; a missing file is fine) without
// overriding variables already set, then copies known variables into cfg.
func ApplyEnv(cfg *Config, envFile string) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if envFile == "" {
		envFile = DefaultEnvFilename
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}

	overrides := []struct {
		name   string
		target *string
	}{
		{EnvS3AccessKeyID, &cfg.Storage.AccessKeyID},
		{EnvS3SecretAccessKey, &cfg.Storage.SecretAccessKey},
		{EnvMQTTPassword, &cfg.MQTT.Password},
		{EnvInfluxDBToken, &cfg.InfluxDB.Token},
		{EnvRedisAddress, &cfg.RedisAddress},
	}

	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}

	return nil
}
