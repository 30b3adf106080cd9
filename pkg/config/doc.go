// Package config loads the application configuration.
//
// Deployment settings (store path, telemetry, narrator credentials, policy
// paths) come from a YAML file validated with struct tags. Analysis tuning
// (engine thresholds, role hints, derived columns) can additionally be
// refined by CUE profiles, which are schema-checked before they are merged
// over the YAML's analysis section. The split keeps operator concerns in one
// file and analyst concerns in another.
package config
