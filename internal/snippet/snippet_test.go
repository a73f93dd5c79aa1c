package snippet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/errdefs"
)

const aliceFragment = `# alice's gateway access
Match: User alice
ForceCommand: /usr/libexec/bastion/session-shell
Shell: yes
Sudo: no
`

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil, opts...)
	require.NoError(t, err)
	return s
}

func TestPutEnableDisableRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("alice", aliceFragment))

	states, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, StateActive, states["alice"])

	// Disable then re-enable restores byte-identical content.
	require.NoError(t, s.Disable("alice"))
	states, _ = s.List()
	assert.Equal(t, StateInactive, states["alice"])

	require.NoError(t, s.Enable("alice"))
	p, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, aliceFragment, p.Content, "content must survive the toggle unchanged")
	assert.Equal(t, StateActive, p.State)
}

func TestFragmentParsing(t *testing.T) {
	p, err := ParseFragment("alice.conf", aliceFragment)
	require.NoError(t, err)
	assert.Equal(t, "/usr/libexec/bastion/session-shell", p.Directives["ForceCommand"])
	assert.True(t, p.Shell)
	assert.False(t, p.Sudo)
}

func TestEnableUnknownPrincipal(t *testing.T) {
	s := newTestStore(t)
	err := s.Enable("ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestEnableAlreadyActiveIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("alice", aliceFragment))
	require.NoError(t, s.Enable("alice"))
}

func TestDisableInactiveIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("alice", aliceFragment))
	require.NoError(t, s.Disable("alice"))
	require.NoError(t, s.Disable("alice"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("alice", aliceFragment))
	require.NoError(t, s.Remove("alice"))
	require.NoError(t, s.Remove("alice"), "second remove must succeed")

	states, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestDisabledPrincipalCannotBeEnabled(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("alice", aliceFragment))

	// Administrative lockout is a direct file state, not a store op.
	require.NoError(t, os.Rename(
		filepath.Join(s.dir, "alice"+activeSuffix),
		filepath.Join(s.dir, "alice"+disabledSuffix),
	))

	err := s.Enable("alice")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	states, _ := s.List()
	assert.Equal(t, StateDisabled, states["alice"])
}

func TestValidationHookRollsBack(t *testing.T) {
	hookErr := errors.New("aggregate config does not parse")
	calls := 0
	s := newTestStore(t, WithValidator(func(dir string) error {
		calls++
		if calls > 1 {
			return hookErr
		}
		return nil
	}))

	require.NoError(t, s.Put("alice", aliceFragment)) // hook call 1, passes

	err := s.Disable("alice") // hook call 2, fails
	require.Error(t, err)
	assert.True(t, errdefs.IsFatalConfig(err))

	// The mutation was rolled back: alice is still active.
	states, listErr := s.List()
	require.NoError(t, listErr)
	assert.Equal(t, StateActive, states["alice"])
}

func TestPutRollbackRestoresPreviousActive(t *testing.T) {
	hookErr := errors.New("aggregate config does not parse")
	calls := 0
	s := newTestStore(t, WithValidator(func(dir string) error {
		calls++
		if calls > 1 {
			return hookErr
		}
		return nil
	}))

	require.NoError(t, s.Put("alice", aliceFragment)) // hook call 1, passes

	replacement := "Match: User alice\nShell: no\n"
	err := s.Put("alice", replacement) // hook call 2, fails
	require.Error(t, err)
	assert.True(t, errdefs.IsFatalConfig(err))

	// The previous active fragment is back, byte for byte.
	p, getErr := s.Get("alice")
	require.NoError(t, getErr)
	assert.Equal(t, StateActive, p.State)
	assert.Equal(t, aliceFragment, p.Content, "rollback must restore the displaced fragment")

	// No stash residue survives the rollback.
	entries, readErr := os.ReadDir(s.dir)
	require.NoError(t, readErr)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".stash")
	}
}

func TestPutRollbackRestoresInactiveVariant(t *testing.T) {
	hookErr := errors.New("aggregate config does not parse")
	calls := 0
	s := newTestStore(t, WithValidator(func(dir string) error {
		calls++
		if calls > 2 {
			return hookErr
		}
		return nil
	}))

	require.NoError(t, s.Put("alice", aliceFragment)) // hook call 1
	require.NoError(t, s.Disable("alice"))            // hook call 2

	err := s.Put("alice", "Match: User alice\n") // hook call 3, fails
	require.Error(t, err)
	assert.True(t, errdefs.IsFatalConfig(err))

	// Alice is still inactive with her original content, not gone.
	states, listErr := s.List()
	require.NoError(t, listErr)
	assert.Equal(t, StateInactive, states["alice"])

	p, getErr := s.Get("alice")
	require.NoError(t, getErr)
	assert.Equal(t, aliceFragment, p.Content)
}

func TestPutRejectsMalformedFragment(t *testing.T) {
	s := newTestStore(t)
	err := s.Put("alice", "this is not a directive\n")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	states, _ := s.List()
	assert.Empty(t, states, "nothing persisted on validation error")
}

func TestPutRejectsBadPrincipal(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", "Bad", "../sneaky", "a b"} {
		err := s.Put(name, aliceFragment)
		require.Error(t, err, "principal %q", name)
		assert.True(t, errdefs.IsValidation(err))
	}
}

func TestValidateAggregateCatchesBrokenActiveFragment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.conf"), []byte("Match: User ok\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.conf"), []byte("no colon here\n"), 0600))

	err := ValidateAggregate(dir)
	require.Error(t, err)

	var perr *errdefs.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "broken.conf", perr.File)
}
