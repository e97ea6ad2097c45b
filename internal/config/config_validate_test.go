package config

import "testing"

func TestValidate_DefaultProfileAllowsShell(t *testing.T) {
	cfg := Default()
	cfg.AllowShell = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default profile should tolerate allowShell=true, got: %v", err)
	}
}

func TestValidate_HardenedProfileRejectsAllowShell(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "hardened"
	cfg.AllowShell = true
	cfg.AllowedWebDomains = []string{"example.com"}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected hardened profile + allowShell=true to fail startup")
	}
}

func TestValidate_HardenedProfileRequiresAllowedWebDomains(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "hardened"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected hardened profile with no allowedWebDomains to fail")
	}
}

func TestValidate_HardenedProfileRequiresLoopbackWebhookHost(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "hardened"
	cfg.AllowedWebDomains = []string{"example.com"}
	cfg.Webhook.Enabled = true
	cfg.Webhook.Host = "0.0.0.0"
	cfg.Webhook.AuthToken = "secret"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected hardened profile with non-loopback webhook host to fail")
	}
}

func TestValidate_HardenedProfileRequiresWebhookAuthToken(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "hardened"
	cfg.AllowedWebDomains = []string{"example.com"}
	cfg.Webhook.Enabled = true
	cfg.Webhook.Host = "127.0.0.1"
	cfg.Webhook.AuthToken = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected hardened profile with empty webhook authToken to fail")
	}
}

func TestValidate_HardenedProfilePasses(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "hardened"
	cfg.AllowedWebDomains = []string{"example.com"}
	cfg.Webhook.Enabled = true
	cfg.Webhook.Host = "127.0.0.1"
	cfg.Webhook.AuthToken = "secret"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected well-formed hardened config to pass, got: %v", err)
	}
}

func TestValidate_UnknownSecurityProfileRejected(t *testing.T) {
	cfg := Default()
	cfg.SecurityProfile = "locked-down"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown securityProfile to be rejected")
	}
}

func TestValidate_RequiresAtLeastOneBusAttempt(t *testing.T) {
	cfg := Default()
	cfg.Bus.MaxAttempts = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected bus.maxAttempts < 1 to be rejected")
	}
}
