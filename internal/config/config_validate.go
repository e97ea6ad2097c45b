package config

import (
	"fmt"

	"github.com/coreclaw/coreclaw/internal/coreerr"
)

// Validate enforces invariants that hold regardless of profile, then the
// additional hardened-profile gate when securityProfile is "hardened".
//
// Boundary behavior (spec.md §8): hardened profile + allowShell=true fails
// startup.
func (c *Config) Validate() error {
	switch c.SecurityProfile {
	case "", "default", "hardened":
	default:
		return fmt.Errorf("%w: unknown securityProfile %q", coreerr.ErrConfigInvalid, c.SecurityProfile)
	}

	if c.Bus.MaxAttempts < 1 {
		return fmt.Errorf("%w: bus.maxAttempts must be >= 1", coreerr.ErrConfigInvalid)
	}
	if c.MaxToolIterations < 1 {
		return fmt.Errorf("%w: maxToolIterations must be >= 1", coreerr.ErrConfigInvalid)
	}

	if !c.IsHardened() {
		return nil
	}

	var problems []string

	if c.AllowShell {
		problems = append(problems, "allowShell must be false under hardened profile")
	}
	if len(c.AllowedWebDomains) == 0 {
		problems = append(problems, "allowedWebDomains must be non-empty under hardened profile")
	}
	if c.Webhook.Enabled {
		if !isLoopbackHost(c.Webhook.Host) {
			problems = append(problems, "webhook.host must be loopback under hardened profile")
		}
		if c.Webhook.AuthToken == "" {
			problems = append(problems, "webhook.authToken is required when webhook is enabled under hardened profile")
		}
	}
	if c.Observability.Http.Enabled && !isLoopbackHost(c.Observability.Http.Host) {
		problems = append(problems, "observability.http.host must be loopback under hardened profile")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: hardened profile: %v", coreerr.ErrConfigInvalid, problems)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}
