// Package config provides centralized configuration management for the fleet
// server. It handles loading configuration from multiple sources, validation,
// and provides a type-safe API for accessing configuration values.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. YAML configuration file
//  3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern FLEET_<SECTION>_<KEY>:
//
//	FLEET_SERVER_PORT=8080
//	FLEET_DATABASE_DSN=data/fleet.db
//	FLEET_AUTH_JWT_SECRET=...
//	FLEET_AUTH_PRIVILEGED_ROLES=administrator,manager,support
//	FLEET_LICENSE_TRUSTED_KEYS_DIR=keys/trusted
//
// The YAML file is taken from FLEET_CONFIG_FILE, or the first of fleet.yaml,
// config/fleet.yaml and configs/fleet.yaml that exists.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
