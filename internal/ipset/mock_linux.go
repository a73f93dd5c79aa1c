//go:build linux
// +build linux

package ipset

import (
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTConn is a mock NFTConn with in-memory set state for testing.
type MockNFTConn struct {
	mock.Mock
	mu sync.Mutex

	tables   map[string]*nftables.Table
	sets     map[string]*nftables.Set
	elements map[string][]nftables.SetElement
}

// NewMockNFTConn creates a mock connection pre-seeded with the given inet
// table.
func NewMockNFTConn(tableName string) *MockNFTConn {
	m := &MockNFTConn{
		tables:   make(map[string]*nftables.Table),
		sets:     make(map[string]*nftables.Set),
		elements: make(map[string][]nftables.SetElement),
	}
	m.tables[tableName] = &nftables.Table{Name: tableName, Family: nftables.TableFamilyINet}
	return m
}

func (m *MockNFTConn) ListTables() ([]*nftables.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tables := make([]*nftables.Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	return tables, nil
}

func (m *MockNFTConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sets := make([]*nftables.Set, 0, len(m.sets))
	for _, s := range m.sets {
		sets = append(sets, s)
	}
	return sets, nil
}

func (m *MockNFTConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[s.Name] = s
	m.elements[s.Name] = append(m.elements[s.Name], vals...)
	return nil
}

func (m *MockNFTConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
outer:
	for _, v := range vals {
		for _, existing := range m.elements[s.Name] {
			if string(existing.Key) == string(v.Key) {
				continue outer
			}
		}
		m.elements[s.Name] = append(m.elements[s.Name], v)
	}
	return nil
}

func (m *MockNFTConn) SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vals {
		kept := m.elements[s.Name][:0]
		for _, existing := range m.elements[s.Name] {
			if string(existing.Key) != string(v.Key) {
				kept = append(kept, existing)
			}
		}
		m.elements[s.Name] = kept
	}
	return nil
}

func (m *MockNFTConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]nftables.SetElement, len(m.elements[s.Name]))
	copy(out, m.elements[s.Name])
	return out, nil
}

// Flush is a no-op; mutations are applied eagerly. Tests that need a
// flush failure register an expectation with On("Flush").
func (m *MockNFTConn) Flush() error {
	if len(m.ExpectedCalls) > 0 {
		args := m.Called()
		return args.Error(0)
	}
	return nil
}
