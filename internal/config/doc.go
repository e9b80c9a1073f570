// Package config loads the sovereignd configuration file (JSON, or YAML when
// the file extension is .yaml/.yml), fills defaults and validates ranges.
package config
