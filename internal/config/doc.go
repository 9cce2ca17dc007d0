// Package config loads the immutable startup configuration for the wallet
// service. Configuration is read once in main and passed down explicitly;
// packages never consult environment variables themselves.
package config
