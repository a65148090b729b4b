package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

// Validate checks struct tags plus the cross-field rules the tags
// cannot express. Returns actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateTrustedProxies(); err != nil {
		return err
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	return nil
}

// validateRoutes rejects duplicate prefixes and transport/endpoint
// mismatches.
func (c *Config) validateRoutes() error {
	seen := make(map[string]string, len(c.Routes))
	for i, rt := range c.Routes {
		if prev, dup := seen[rt.PathPrefix]; dup {
			return fmt.Errorf("routes[%d] %q: path_prefix %q already used by route %q",
				i, rt.Name, rt.PathPrefix, prev)
		}
		seen[rt.PathPrefix] = rt.Name

		switch rt.Transport {
		case "stdio":
			if rt.Command == "" {
				return fmt.Errorf("routes[%d] %q: stdio transport requires command", i, rt.Name)
			}
		case "http", "sse":
			if rt.URL == "" {
				return fmt.Errorf("routes[%d] %q: %s transport requires url", i, rt.Name, rt.Transport)
			}
		}
	}
	return nil
}

// validateTrustedProxies parses the configured entries so bad CIDRs
// fail at boot instead of at first use.
func (c *Config) validateTrustedProxies() error {
	if _, err := auth.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("trusted_proxies: %w", err)
	}
	return nil
}

// validateProviders checks that each enabled provider has the
// configuration it needs.
func (c *Config) validateProviders() error {
	if c.Auth.Enabled("jwt") {
		hasSecret := c.Auth.JWT.Secret != ""
		hasJWKS := c.Auth.JWT.JWKSURL != ""
		if hasSecret == hasJWKS {
			return errors.New("auth.jwt: exactly one of secret and jwks_url must be set")
		}
	}
	if c.Auth.Enabled("oauth") {
		o := c.Auth.OAuth
		if o.Provider == "" || o.Provider == "custom" {
			if o.IntrospectionURL == "" && o.UserinfoURL == "" {
				return errors.New("auth.oauth: custom provider requires introspection_url or userinfo_url")
			}
		}
	}
	if c.Auth.Enabled("cert_header") && len(c.TrustedProxies) == 0 {
		return errors.New("auth.cert_header: requires a non-empty trusted_proxies list")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors into one
// readable message.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatSingleValidationError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
