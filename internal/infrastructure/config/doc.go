// Package config loads the mirror's YAML configuration.
//
// Load applies defaults, then the file, then GRAYLOGIC_* environment
// variables, and finally runs Validate, which reports every problem at once.
// Secrets (remote.token, security.jwt.secret, influxdb.token) are normally
// supplied through the environment rather than the file.
//
//	cfg, err := config.Load(os.Getenv("GRAYLOGIC_CONFIG"))
//	if err != nil {
//		return err
//	}
//	dial(cfg.Remote.URL, cfg.Remote.Token)
package config
