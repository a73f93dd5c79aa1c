package validation

import (
	"testing"

	"grimm.is/bastion/internal/errdefs"
)

func TestValidatePrincipal(t *testing.T) {
	valid := []string{"main", "alice", "deploy-bot", "_svc", "a"}
	for _, name := range valid {
		if err := ValidatePrincipal(name); err != nil {
			t.Errorf("ValidatePrincipal(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Alice", "bob;rm", "../etc", "a b", "0day", "x/y"}
	for _, name := range invalid {
		err := ValidatePrincipal(name)
		if err == nil {
			t.Errorf("ValidatePrincipal(%q) = nil, want error", name)
			continue
		}
		if !errdefs.IsValidation(err) {
			t.Errorf("ValidatePrincipal(%q) error is not a ValidationError", name)
		}
	}
}

func TestValidateIP(t *testing.T) {
	got, err := ValidateIP(" 192.168.1.50 ")
	if err != nil || got != "192.168.1.50" {
		t.Errorf("ValidateIP = %q, %v", got, err)
	}

	got, err = ValidateIP("2001:db8::1")
	if err != nil || got != "2001:db8::1" {
		t.Errorf("ValidateIP v6 = %q, %v", got, err)
	}
	if !IsIPv6(got) {
		t.Error("IsIPv6 should report true for 2001:db8::1")
	}
	if IsIPv6("10.0.0.5") {
		t.Error("IsIPv6 should report false for 10.0.0.5")
	}

	if _, err := ValidateIP("300.1.1.1"); err == nil {
		t.Error("expected error for 300.1.1.1")
	}
}

func TestValidateCIDR(t *testing.T) {
	n, err := ValidateCIDR("10.0.0.0/8")
	if err != nil {
		t.Fatalf("ValidateCIDR: %v", err)
	}
	if ones, _ := n.Mask.Size(); ones != 8 {
		t.Errorf("mask = /%d, want /8", ones)
	}

	// Bare address becomes a host network.
	n, err = ValidateCIDR("192.168.1.50")
	if err != nil {
		t.Fatalf("ValidateCIDR bare: %v", err)
	}
	if ones, bits := n.Mask.Size(); ones != 32 || bits != 32 {
		t.Errorf("bare address mask = /%d", ones)
	}

	if _, err := ValidateCIDR("nonsense"); err == nil {
		t.Error("expected error for nonsense")
	}
}

func TestValidatePortSpec(t *testing.T) {
	for _, spec := range []string{"22", "80", "65535", "8000-8100", "all"} {
		if err := ValidatePortSpec(spec); err != nil {
			t.Errorf("ValidatePortSpec(%q) = %v", spec, err)
		}
	}
	for _, spec := range []string{"0", "65536", "80-", "-80", "100-50", "22;", "http"} {
		if err := ValidatePortSpec(spec); err == nil {
			t.Errorf("ValidatePortSpec(%q) = nil, want error", spec)
		}
	}
}

func TestValidateSetName(t *testing.T) {
	if err := ValidateSetName("bastion_banned_v4"); err != nil {
		t.Errorf("valid set name rejected: %v", err)
	}
	for _, name := range []string{"", "a b", "x;y"} {
		if err := ValidateSetName(name); err == nil {
			t.Errorf("ValidateSetName(%q) = nil, want error", name)
		}
	}
}
