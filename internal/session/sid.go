// Package session mints human-auditable session identifiers and manages
// the per-date session log tree. The SID doubles as the log filename stem
// and the audit lookup key, so it must stay collision-free and parseable
// by a human reading a directory listing.
package session

import (
	"fmt"
	"strings"
)

// sidTimeLayout renders 08-Jan'25_14.22; the month is uppercased after
// formatting.
const sidTimeLayout = "02-Jan'06_15.04"

// FormatSID encodes the base (unsuffixed) session identifier:
//
//	IP-IP-IP-IP_PRINCIPAL_DD-MON'YY_HH.MM
//
// Dots and colons in the address become dashes so the SID is a safe
// filename on any filesystem.
func FormatSID(ip, principal string, minute string) string {
	addr := strings.NewReplacer(".", "-", ":", "-").Replace(ip)
	return fmt.Sprintf("%s_%s_%s", addr, principal, minute)
}

// WithSuffix appends the monotonic disambiguation suffix. n of zero is the
// bare SID.
func WithSuffix(sid string, n int) string {
	if n <= 0 {
		return sid
	}
	return fmt.Sprintf("%s-%d", sid, n)
}
