//go:build linux
// +build linux

package ipset

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/nftables"
	"golang.org/x/sys/unix"

	"grimm.is/bastion/internal/validation"
)

// NFTConn abstracts the nftables.Conn operations the controller needs,
// so tests can run without netlink.
type NFTConn interface {
	ListTables() ([]*nftables.Table, error)
	GetSets(t *nftables.Table) ([]*nftables.Set, error)
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
	Flush() error
}

// RealNFTConn wraps the actual nftables.Conn.
type RealNFTConn struct {
	conn *nftables.Conn
}

// NewRealNFTConn creates a RealNFTConn wrapping an nftables.Conn.
func NewRealNFTConn(conn *nftables.Conn) *RealNFTConn {
	return &RealNFTConn{conn: conn}
}

func (r *RealNFTConn) ListTables() ([]*nftables.Table, error) {
	return r.conn.ListTables()
}

func (r *RealNFTConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	return r.conn.GetSets(t)
}

func (r *RealNFTConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.AddSet(s, vals)
}

func (r *RealNFTConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.SetAddElements(s, vals)
}

func (r *RealNFTConn) SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.SetDeleteElements(s, vals)
}

func (r *RealNFTConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	return r.conn.GetSetElements(s)
}

func (r *RealNFTConn) Flush() error {
	return r.conn.Flush()
}

// Native drives nftables named sets in the engine's inet table.
type Native struct {
	conn      NFTConn
	tableName string
	table     *nftables.Table
	sets      map[string]*nftables.Set // cache of set references
	mu        sync.Mutex
}

// NewNative creates a nftables-backed controller for the named table.
func NewNative(conn NFTConn, tableName string) *Native {
	return &Native{
		conn:      conn,
		tableName: tableName,
		sets:      make(map[string]*nftables.Set),
	}
}

func (n *Native) getTable() (*nftables.Table, error) {
	if n.table != nil {
		return n.table, nil
	}
	tables, err := n.conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == n.tableName && t.Family == nftables.TableFamilyINet {
			n.table = t
			return t, nil
		}
	}
	return nil, fmt.Errorf("table %s not found", n.tableName)
}

func (n *Native) getSet(name string) (*nftables.Set, error) {
	if s, ok := n.sets[name]; ok {
		return s, nil
	}
	table, err := n.getTable()
	if err != nil {
		return nil, err
	}
	sets, err := n.conn.GetSets(table)
	if err != nil {
		return nil, fmt.Errorf("get sets: %w", err)
	}
	for _, s := range sets {
		if s.Name == name {
			n.sets[name] = s
			return s, nil
		}
	}
	return nil, fmt.Errorf("set %s not found", name)
}

// EnsureSet creates the named set if it does not exist. v6 selects the key
// type; element timeouts are always enabled so bans age out in the kernel
// even if the daemon dies.
func (n *Native) EnsureSet(name string, v6 bool) error {
	if err := validation.ValidateSetName(name); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.getSet(name); err == nil {
		return nil
	}
	table, err := n.getTable()
	if err != nil {
		return err
	}
	keyType := nftables.TypeIPAddr
	if v6 {
		keyType = nftables.TypeIP6Addr
	}
	s := &nftables.Set{
		Table:      table,
		Name:       name,
		KeyType:    keyType,
		HasTimeout: true,
	}
	if err := n.conn.AddSet(s, nil); err != nil {
		return fmt.Errorf("add set %s: %w", name, err)
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	n.sets[name] = s
	return nil
}

func keyBytes(ip string) ([]byte, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP %q", ip)
	}
	if ip4 := parsed.To4(); ip4 != nil {
		return ip4, nil
	}
	return parsed.To16(), nil
}

// Add inserts ip into the set with the given element timeout.
func (n *Native) Add(ctx context.Context, set, ip string, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.getSet(set)
	if err != nil {
		return err
	}
	key, err := keyBytes(ip)
	if err != nil {
		return err
	}
	elem := nftables.SetElement{Key: key}
	if ttl > 0 {
		elem.Timeout = ttl
	}
	if err := n.conn.SetAddElements(s, []nftables.SetElement{elem}); err != nil {
		return fmt.Errorf("add %s to %s: %w", ip, set, err)
	}
	return n.conn.Flush()
}

// Remove deletes ip from the set. An absent element is not an error.
func (n *Native) Remove(ctx context.Context, set, ip string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.getSet(set)
	if err != nil {
		return err
	}
	key, err := keyBytes(ip)
	if err != nil {
		return err
	}
	if err := n.conn.SetDeleteElements(s, []nftables.SetElement{{Key: key}}); err != nil {
		return fmt.Errorf("remove %s from %s: %w", ip, set, err)
	}
	if err := n.conn.Flush(); err != nil {
		// ENOENT means the element was already gone (or expired via its
		// kernel timeout); the set has converged either way.
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("remove %s from %s: %w", ip, set, err)
	}
	return nil
}

// List returns the member addresses of the set.
func (n *Native) List(ctx context.Context, set string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.getSet(set)
	if err != nil {
		return nil, err
	}
	elems, err := n.conn.GetSetElements(s)
	if err != nil {
		return nil, fmt.Errorf("get elements of %s: %w", set, err)
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		out = append(out, net.IP(e.Key).String())
	}
	return out, nil
}
