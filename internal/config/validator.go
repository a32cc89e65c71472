package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "server.port")
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
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidSandboxModes returns the list of valid agent sandbox policies
func ValidSandboxModes() []string {
	return []string{"read-only", "workspace-write", "danger-full-access"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateImage()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}

	if c.Server.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.concurrency",
			Value:   c.Server.Concurrency,
			Message: "must be at least 1",
		})
	}

	// Agent sessions share one subprocess; a very wide queue only piles
	// calls behind it.
	const maxConcurrency = 8
	if c.Server.Concurrency > maxConcurrency {
		errors = append(errors, ValidationError{
			Field:   "server.concurrency",
			Value:   c.Server.Concurrency,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrency),
		})
	}

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if c.Agent.Command == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must not be empty",
		})
	}

	if c.Agent.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.model",
			Value:   c.Agent.Model,
			Message: "must not be empty",
		})
	}

	if c.Agent.SandboxMode != "" && !slices.Contains(ValidSandboxModes(), c.Agent.SandboxMode) {
		errors = append(errors, ValidationError{
			Field:   "agent.sandbox_mode",
			Value:   c.Agent.SandboxMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSandboxModes(), ", ")),
		})
	}

	if c.Agent.FirstCallIdleTimeoutSecs < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.first_call_idle_timeout_secs",
			Value:   c.Agent.FirstCallIdleTimeoutSecs,
			Message: "must be at least 1 second",
		})
	}

	if c.Agent.ReplyIdleTimeoutSecs < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.reply_idle_timeout_secs",
			Value:   c.Agent.ReplyIdleTimeoutSecs,
			Message: "must be at least 1 second",
		})
	}

	return errors
}

// validateImage validates the ImageConfig
func (c *Config) validateImage() []ValidationError {
	var errors []ValidationError

	if c.Image.Variations < 1 || c.Image.Variations > 3 {
		errors = append(errors, ValidationError{
			Field:   "image.variations",
			Value:   c.Image.Variations,
			Message: "must be between 1 and 3",
		})
	}

	if c.Image.TimeoutSecs < 1 {
		errors = append(errors, ValidationError{
			Field:   "image.timeout_secs",
			Value:   c.Image.TimeoutSecs,
			Message: "must be at least 1 second",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
