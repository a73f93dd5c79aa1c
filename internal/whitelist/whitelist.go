// Package whitelist provides the view of networks exempt from automatic
// blocking. The ban engine consults it before every transition; a
// whitelisted source records hits but never advances past Watched.
package whitelist

import (
	"net"
	"sync"

	"grimm.is/bastion/internal/validation"
)

// View answers whitelist membership questions.
type View interface {
	Contains(ip string) bool
}

// Set is a CIDR-backed whitelist.
type Set struct {
	mu   sync.RWMutex
	nets []*net.IPNet
}

// New builds a Set from CIDR strings (bare addresses are host networks).
func New(cidrs []string) (*Set, error) {
	s := &Set{}
	for _, c := range cidrs {
		ipnet, err := validation.ValidateCIDR(c)
		if err != nil {
			return nil, err
		}
		s.nets = append(s.nets, ipnet)
	}
	return s, nil
}

// Contains reports whether ip falls inside any whitelisted network.
// Unparseable input is never whitelisted.
func (s *Set) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Add appends a network at runtime.
func (s *Set) Add(cidr string) error {
	ipnet, err := validation.ValidateCIDR(cidr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nets = append(s.nets, ipnet)
	return nil
}

// Networks returns the whitelisted networks in insertion order.
func (s *Set) Networks() []*net.IPNet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*net.IPNet, len(s.nets))
	copy(out, s.nets)
	return out
}
