package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/errdefs"
)

func writeFragment(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newTestConsolidator(t *testing.T) (*Consolidator, string) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewMockClock(time.Date(2025, 1, 8, 14, 22, 0, 0, time.UTC))
	return NewConsolidator(dir, clk, nil), dir
}

func canonicalLines(t *testing.T, dir string, family Family) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, CanonicalFileName(family)))
	require.NoError(t, err)
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func TestMergeDeduplicates(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "web.rules",
		"v4 INPUT tcp 80 ACCEPT\nv4 INPUT tcp 80 ACCEPT # dup\nv4 INPUT tcp 443 ACCEPT\n")

	res, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.Rules)

	lines := canonicalLines(t, dir, FamilyV4)
	assert.Equal(t, []string{"v4 INPUT tcp 80 ACCEPT", "v4 INPUT tcp 443 ACCEPT"}, lines)
}

func TestMergePriorityOrdering(t *testing.T) {
	c, dir := newTestConsolidator(t)
	// Generic sorts before ban and whitelist alphabetically; class order
	// must still win.
	writeFragment(t, dir, "aaa_generic.rules", "v4 INPUT tcp 22 ACCEPT # ssh\n")
	writeFragment(t, dir, "bans.rules", "v4 INPUT all all DROP # banned sources\n")
	writeFragment(t, dir, "whitelist.rules", "v4 INPUT all all ACCEPT # exempt sources\n")

	_, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)

	lines := canonicalLines(t, dir, FamilyV4)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "exempt")
	assert.Contains(t, lines[1], "banned")
	assert.Contains(t, lines[2], "ssh")
}

func TestRunIsIdempotent(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\n")

	first, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	require.True(t, first.Changed)

	stat1, err := os.Stat(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)

	second, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	assert.False(t, second.Changed, "unchanged fragments must not rewrite")
	assert.Equal(t, first.Hash, second.Hash)

	stat2, err := os.Stat(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)
	assert.Equal(t, stat1.ModTime(), stat2.ModTime(), "file must be untouched")
}

func TestEmptyResultFailsClosed(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\n")

	_, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)

	// All fragments vanish: the pass must abort and keep the old file.
	require.NoError(t, os.Remove(filepath.Join(dir, "web.rules")))

	_, err = c.Run(context.Background(), FamilyV4, Options{})
	require.Error(t, err)
	assert.True(t, errdefs.IsFatalConfig(err))

	after, err := os.ReadFile(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)
	assert.Equal(t, before, after, "previous canonical set must be retained")
}

func TestEmptyResultOnFreshStartIsFine(t *testing.T) {
	c, _ := newTestConsolidator(t)
	res, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rules)
}

func TestMalformedFragmentAbortsWithoutWrite(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\n")
	_, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)

	writeFragment(t, dir, "bad.rules", "v4 INPUT tcp 80 ACCEPT\nv4 INPUT bogus 80 ACCEPT\n")
	_, err = c.Run(context.Background(), FamilyV4, Options{})
	require.Error(t, err)

	var perr *errdefs.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad.rules", perr.File)
	assert.Equal(t, 2, perr.Line)

	after, err := os.ReadFile(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)
	assert.Equal(t, before, after, "no partial write on parse error")
}

func TestFamiliesAreIndependent(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "mixed.rules",
		"v4 INPUT tcp 22 ACCEPT\nv6 INPUT tcp 22 ACCEPT\nv6 INPUT tcp 443 ACCEPT\n")

	res4, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	res6, err := c.Run(context.Background(), FamilyV6, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res4.Rules)
	assert.Equal(t, 2, res6.Rules)
	assert.NotEqual(t, res4.Hash, res6.Hash)

	lines6 := canonicalLines(t, dir, FamilyV6)
	for _, l := range lines6 {
		assert.True(t, strings.HasPrefix(l, "v6 "), "v6 canonical contains %q", l)
	}
}

func TestDisabledFragmentsAreSkipped(t *testing.T) {
	c, _ := newTestConsolidator(t)
	dir := c.dir
	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\n")
	writeFragment(t, dir, "old.rules.disabled", "v4 INPUT tcp 23 ACCEPT\n")

	res, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rules)
}

func TestNoDuplicateNormalizedTuples(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "a.rules", "v4 INPUT tcp 80 ACCEPT # a\nv4 INPUT tcp 443 ACCEPT\n")
	writeFragment(t, dir, "b.rules", "v4 INPUT tcp 80 ACCEPT # b\nv4 INPUT udp 53 ACCEPT\n")

	_, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, line := range canonicalLines(t, dir, FamilyV4) {
		rl, err := ParseLine("canonical", 0, line)
		require.NoError(t, err)
		require.False(t, seen[rl.Key()], "duplicate tuple %q in canonical set", rl.Key())
		seen[rl.Key()] = true
	}
}

func TestDiffOutput(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\n")
	_, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)

	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\nv4 INPUT tcp 443 ACCEPT\n")
	res, err := c.Run(context.Background(), FamilyV4, Options{WantDiff: true})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Contains(t, res.Diff, "+v4 INPUT tcp 443 ACCEPT")
}

func TestHeaderCarriesHash(t *testing.T) {
	c, dir := newTestConsolidator(t)
	writeFragment(t, dir, "web.rules", "v4 INPUT tcp 80 ACCEPT\n")
	res, err := c.Run(context.Background(), FamilyV4, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, CanonicalFileName(FamilyV4)))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# hash: sha256:"+res.Hash)
	assert.Contains(t, string(data), "# generated: 2025-01-08T14:22:00Z")
}
