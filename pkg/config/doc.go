// Package config loads typed configuration.
//
// Load parses environment variables into a struct using caarlos0/env tags.
// A .env file in the working directory is read once per process via
// godotenv, and each configuration type is parsed once and cached:
//
//	type ReceiptConfig struct {
//	    SharedSecret string        `env:"APPSTORE_SHARED_SECRET,required"`
//	    Timeout      time.Duration `env:"RECEIPT_TIMEOUT" envDefault:"10s"`
//	}
//
//	var cfg ReceiptConfig
//	config.MustLoad(&cfg)
//
// LoadYAML decodes a YAML document (for example the offerings file) into a
// struct with unknown fields rejected. ResetCache clears cached values and is
// meant for tests.
package config
