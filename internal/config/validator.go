package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "hub.ping_interval")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error", "none"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.max_connections",
			Value:   c.Server.MaxConnections,
			Message: "must be at least 1",
		})
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.data_dir",
			Value:   c.Storage.DataDir,
			Message: "must not be empty",
		})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Hub.MaxMessageSize < 1024 {
		errs = append(errs, ValidationError{
			Field:   "hub.max_message_size",
			Value:   c.Hub.MaxMessageSize,
			Message: "must be at least 1024 bytes",
		})
	}
	if c.Hub.PongWait <= 0 {
		errs = append(errs, ValidationError{
			Field:   "hub.pong_wait",
			Value:   c.Hub.PongWait,
			Message: "must be positive",
		})
	}
	if c.Hub.PingInterval <= 0 || c.Hub.PingInterval >= c.Hub.PongWait {
		errs = append(errs, ValidationError{
			Field:   "hub.ping_interval",
			Value:   c.Hub.PingInterval,
			Message: "must be positive and shorter than hub.pong_wait",
		})
	}
	if c.Hub.WriteWait <= 0 {
		errs = append(errs, ValidationError{
			Field:   "hub.write_wait",
			Value:   c.Hub.WriteWait,
			Message: "must be positive",
		})
	}
	if c.Hub.MaxInflight < 1 {
		errs = append(errs, ValidationError{
			Field:   "hub.max_inflight",
			Value:   c.Hub.MaxInflight,
			Message: "must be at least 1",
		})
	}

	if c.Debug.PprofAddr != "" {
		if _, _, err := net.SplitHostPort(c.Debug.PprofAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "debug.pprof_addr",
				Value:   c.Debug.PprofAddr,
				Message: "must be host:port",
			})
		}
	}

	return errs
}
