// Package config loads settings from the environment.
//
// A .env file is read first (godotenv), then go-simpler/env fills the Config
// struct from tags with defaults. Load validates the listen address, delivery
// policy, queue sizes, and limiter settings before anything starts.
package config
