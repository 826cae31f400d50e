package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreams(); err != nil {
		return err
	}
	if err := c.validateRoutes(); err != nil {
		return err
	}
	return nil
}

// validateUpstreams ensures every upstream specifies exactly one transport.
func (c *Config) validateUpstreams() error {
	seen := make(map[string]struct{}, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("upstreams[%d]: duplicate id %q", i, u.ID)
		}
		seen[u.ID] = struct{}{}

		set := 0
		for _, v := range []string{u.HTTP, u.SSE, u.Command} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("upstreams[%d] (%s): exactly one of http, sse, or command must be set", i, u.ID)
		}
	}
	return nil
}

// validateRoutes ensures every route references a configured upstream.
func (c *Config) validateRoutes() error {
	known := make(map[string]struct{}, len(c.Upstreams))
	for _, u := range c.Upstreams {
		known[u.ID] = struct{}{}
	}
	for i, r := range c.Routes {
		if _, ok := known[r.UpstreamID]; !ok {
			return fmt.Errorf("routes[%d]: references unknown upstream_id %q", i, r.UpstreamID)
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "cidr":
		return fmt.Sprintf("%s must be a valid CIDR range", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
