// Package validation provides input validators shared by the CLI and the
// engine components. Everything that ends up in a filename, a rule line or
// an nftables object name passes through here first.
package validation

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/bastion/internal/errdefs"
)

var (
	// Valid principal: POSIX-ish account name, max 32 chars.
	principalRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

	// Valid nftables set name: alphanumeric, dash, underscore.
	setNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Characters that must never reach a shell, a filename or a rule file.
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", "/", " "}
)

// ValidatePrincipal validates an account name.
func ValidatePrincipal(name string) error {
	if name == "" {
		return errdefs.Validationf("principal cannot be empty")
	}
	if !principalRegex.MatchString(name) {
		return errdefs.Validationf("invalid principal %q (must match %s)", name, principalRegex.String())
	}
	for _, c := range dangerousChars {
		if strings.Contains(name, c) {
			return errdefs.Validationf("principal %q contains forbidden character %q", name, c)
		}
	}
	return nil
}

// ValidateIP validates an IPv4 or IPv6 address and returns it in canonical
// string form.
func ValidateIP(s string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return "", errdefs.Validationf("invalid IP address %q", s)
	}
	return ip.String(), nil
}

// IsIPv6 reports whether the (already validated) address is IPv6.
func IsIPv6(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}

// ValidateCIDR validates an IP network in CIDR notation.
func ValidateCIDR(s string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(s))
	if err != nil {
		// Accept a bare address as a host network.
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			return nil, errdefs.Validationf("invalid CIDR %q", s)
		}
		if ip4 := ip.To4(); ip4 != nil {
			return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
	}
	return ipnet, nil
}

// ValidatePortSpec validates a port, a port range "low-high", or the
// wildcard "all".
func ValidatePortSpec(spec string) error {
	if spec == "all" {
		return nil
	}
	lo, hi, ok := strings.Cut(spec, "-")
	if !ok {
		return validatePort(spec)
	}
	loN, err := strconv.Atoi(lo)
	if err != nil {
		return errdefs.Validationf("invalid port range %q", spec)
	}
	hiN, err := strconv.Atoi(hi)
	if err != nil {
		return errdefs.Validationf("invalid port range %q", spec)
	}
	if loN < 1 || hiN > 65535 || loN >= hiN {
		return errdefs.Validationf("port range %q out of order or out of bounds", spec)
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return errdefs.Validationf("invalid port %q", s)
	}
	return nil
}

// ValidateSetName validates an nftables set name.
func ValidateSetName(name string) error {
	if name == "" {
		return errdefs.Validationf("set name cannot be empty")
	}
	if len(name) > 255 {
		return errdefs.Validationf("set name too long (max 255 characters)")
	}
	if !setNameRegex.MatchString(name) {
		return errdefs.Validationf("invalid set name %q (must be alphanumeric with -_)", name)
	}
	return nil
}
