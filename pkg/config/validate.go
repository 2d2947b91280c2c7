package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError is one configuration problem, located by field path.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors:\n  - " + strings.Join(msgs, "\n  - ")
}

// Validate checks the configuration. All problems are reported together
// rather than failing on the first.
func Validate(c *Config) error {
	var errs ValidationErrors

	if c.Name == "" {
		errs = append(errs, ValidationError{"name", "is required"})
	}

	switch c.API.Auth.Type {
	case "none":
	case "bearer", "api_key":
		if c.API.Auth.TokenEnv == "" {
			errs = append(errs, ValidationError{"api.auth.token-env", "is required when auth is enabled"})
		}
	default:
		errs = append(errs, ValidationError{"api.auth.type", "must be 'bearer', 'api_key', or 'none'"})
	}

	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, ValidationError{"log.format", "must be 'json' or 'text'"})
	}

	upstreamNames := make(map[string]bool)
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		prefix := fmt.Sprintf("upstreams[%d]", i)

		if u.Name == "" {
			errs = append(errs, ValidationError{prefix + ".name", "is required"})
		} else if reservedServerNames[u.Name] {
			errs = append(errs, ValidationError{prefix + ".name", fmt.Sprintf("'%s' is reserved", u.Name)})
		} else if upstreamNames[u.Name] {
			errs = append(errs, ValidationError{prefix + ".name", fmt.Sprintf("duplicate upstream name '%s'", u.Name)})
		} else {
			upstreamNames[u.Name] = true
		}

		errs = append(errs, validateTransport(u, prefix)...)

		r := u.Reconnect
		if r.MaxAttempts < 0 {
			errs = append(errs, ValidationError{prefix + ".reconnect.max-attempts", "must not be negative"})
		}
		if r.Multiplier != 0 && r.Multiplier <= 1 {
			errs = append(errs, ValidationError{prefix + ".reconnect.multiplier", "must be greater than 1"})
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			errs = append(errs, ValidationError{prefix + ".reconnect.jitter", "must be between 0 and 1"})
		}
	}

	pluginNames := make(map[string]bool)
	for i := range c.Plugins {
		p := &c.Plugins[i]
		prefix := fmt.Sprintf("plugins[%d]", i)

		if p.Name == "" {
			errs = append(errs, ValidationError{prefix + ".name", "is required"})
		} else if pluginNames[p.Name] {
			errs = append(errs, ValidationError{prefix + ".name", fmt.Sprintf("duplicate plugin name '%s'", p.Name)})
		} else {
			pluginNames[p.Name] = true
		}

		hasFile := p.File != ""
		hasScript := p.Script != ""
		if hasFile == hasScript {
			errs = append(errs, ValidationError{prefix, "exactly one of 'file' or 'script' must be set"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateTransport applies the per-kind field rules.
func validateTransport(u *Upstream, prefix string) ValidationErrors {
	var errs ValidationErrors

	switch u.Transport {
	case TransportStdio:
		if len(u.Command) == 0 {
			errs = append(errs, ValidationError{prefix + ".command", "is required for stdio transport"})
		}
		if u.URL != "" {
			errs = append(errs, ValidationError{prefix + ".url", "not allowed for stdio transport"})
		}
	case TransportSSE, TransportStreamableHTTP:
		errs = append(errs, requireURL(u, prefix, "http", "https")...)
	case TransportWebSocket:
		errs = append(errs, requireURL(u, prefix, "ws", "wss")...)
	case "":
		errs = append(errs, ValidationError{prefix + ".transport", "is required"})
	default:
		kinds := make([]string, 0, len(TransportKinds()))
		for _, k := range TransportKinds() {
			kinds = append(kinds, string(k))
		}
		errs = append(errs, ValidationError{prefix + ".transport", fmt.Sprintf("unknown transport '%s' (valid: %s)", u.Transport, strings.Join(kinds, ", "))})
	}
	return errs
}

func requireURL(u *Upstream, prefix string, schemes ...string) ValidationErrors {
	var errs ValidationErrors

	if len(u.Command) > 0 {
		errs = append(errs, ValidationError{prefix + ".command", fmt.Sprintf("not allowed for %s transport", u.Transport)})
	}
	if u.URL == "" {
		errs = append(errs, ValidationError{prefix + ".url", fmt.Sprintf("is required for %s transport", u.Transport)})
		return errs
	}

	parsed, err := url.Parse(u.URL)
	if err != nil {
		errs = append(errs, ValidationError{prefix + ".url", "is not a valid URL"})
		return errs
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return errs
		}
	}
	errs = append(errs, ValidationError{prefix + ".url", fmt.Sprintf("scheme must be %s", strings.Join(schemes, " or "))})
	return errs
}
