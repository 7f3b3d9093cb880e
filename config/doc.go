// Package config loads the dev server configuration from defaults, a YAML
// file, environment variables and command-line flags. It defines the bind
// port, the static asset directory, the ordered proxy rules and the
// upstream health and circuit breaker settings, and validates all of them
// before the server starts.
package config
