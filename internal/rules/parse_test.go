package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/errdefs"
)

func TestParseLine(t *testing.T) {
	rl, err := ParseLine("web.rules", 1, "v4 INPUT tcp 80 ACCEPT # http")
	require.NoError(t, err)
	assert.Equal(t, FamilyV4, rl.Family)
	assert.Equal(t, "INPUT", rl.Chain)
	assert.Equal(t, "tcp", rl.Proto)
	assert.Equal(t, "80", rl.Port)
	assert.Equal(t, "ACCEPT", rl.Action)
	assert.Equal(t, "http", rl.Comment)
}

func TestParseLineNormalizesCase(t *testing.T) {
	rl, err := ParseLine("f", 1, "v6 input TCP 8000-8100 drop")
	require.NoError(t, err)
	assert.Equal(t, "INPUT", rl.Chain)
	assert.Equal(t, "tcp", rl.Proto)
	assert.Equal(t, "DROP", rl.Action)
}

func TestParseLineErrors(t *testing.T) {
	bad := []string{
		"v5 INPUT tcp 80 ACCEPT",
		"v4 SIDEWAYS tcp 80 ACCEPT",
		"v4 INPUT gre 80 ACCEPT",
		"v4 INPUT tcp 99999 ACCEPT",
		"v4 INPUT tcp 80 YEET",
		"v4 INPUT tcp 80",
		"v4 INPUT tcp 80 ACCEPT extra",
	}
	for _, line := range bad {
		_, err := ParseLine("frag.rules", 7, line)
		require.Error(t, err, "line %q", line)

		var perr *errdefs.ParseError
		require.ErrorAs(t, err, &perr, "line %q", line)
		assert.Equal(t, "frag.rules", perr.File)
		assert.Equal(t, 7, perr.Line)
	}
}

func TestKeyIgnoresCommentAndFamilyCarriesInLine(t *testing.T) {
	a, err := ParseLine("f", 1, "v4 INPUT tcp 80 ACCEPT")
	require.NoError(t, err)
	b, err := ParseLine("f", 2, "v4 INPUT tcp 80 ACCEPT # dup")
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
}

func TestClassOfFragment(t *testing.T) {
	assert.Equal(t, ClassWhitelist, ClassOfFragment("whitelist.rules"))
	assert.Equal(t, ClassBan, ClassOfFragment("bans.rules"))
	assert.Equal(t, ClassBan, ClassOfFragment("ban_v6.rules"))
	assert.Equal(t, ClassGeneric, ClassOfFragment("web.rules"))
	assert.Equal(t, ClassGeneric, ClassOfFragment("ssh.rules"))
}
