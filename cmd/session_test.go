package cmd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/logging"
)

type stubCloser struct {
	err error
	sid string
}

func (s *stubCloser) Close(sid string, end time.Time, exitStatus int) error {
	s.sid = sid
	return s.err
}

func TestCloseSessionSwallowsIOFailures(t *testing.T) {
	closer := &stubCloser{err: errors.New("close session x: disk full")}
	err := closeSession(closer, logging.Default(), "some-sid", 0)
	assert.NoError(t, err, "footer write failures must not block logout")
	assert.Equal(t, "some-sid", closer.sid)
}

func TestCloseSessionSurfacesValidation(t *testing.T) {
	closer := &stubCloser{err: errdefs.Validationf("session x is already closed")}
	err := closeSession(closer, logging.Default(), "x", 0)
	assert.True(t, errdefs.IsValidation(err))

	closer = &stubCloser{err: errdefs.Conflictf("ambiguous sid")}
	err = closeSession(closer, logging.Default(), "x", 0)
	assert.True(t, errdefs.IsConflict(err))
}

func TestCloseSessionSuccess(t *testing.T) {
	closer := &stubCloser{}
	assert.NoError(t, closeSession(closer, logging.Default(), "x", 7))
}
