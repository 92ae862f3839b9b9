package isolation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masrun/pkg/errdefs"
)

// recorder fakes domain entry and keeps a journal of enters and releases.
type recorder struct {
	entered  []Domain
	released []Domain
	failOn   Domain // entering this domain fails
}

func (r *recorder) enter(d Domain) (func() error, error) {
	if d == r.failOn {
		return nil, errors.New("kernel said no")
	}
	r.entered = append(r.entered, d)
	return func() error {
		r.released = append(r.released, d)
		return nil
	}, nil
}

func okProbe(Domain) error { return nil }

func TestEnterOrdersDomains(t *testing.T) {
	rec := &recorder{}
	m := NewManagerWithHooks(okProbe, rec.enter)

	// requested out of order, with a duplicate
	set, err := m.Enter([]Domain{DomainMount, DomainPID, DomainUser, DomainPID})
	require.NoError(t, err)

	// user first, mount last
	assert.Equal(t, []Domain{DomainUser, DomainPID, DomainMount}, rec.entered)
	assert.Equal(t, []Domain{DomainUser, DomainPID, DomainMount}, set.Domains())
	assert.True(t, set.Has(DomainPID))
	assert.False(t, set.Has(DomainNet))
}

func TestEnterRollsBackAtomically(t *testing.T) {
	// the last domain in entry order fails; everything entered before it
	// must be released again, in reverse order
	rec := &recorder{failOn: DomainMount}
	m := NewManagerWithHooks(okProbe, rec.enter)

	set, err := m.Enter([]Domain{DomainUser, DomainPID, DomainMount})
	require.Error(t, err)
	assert.Nil(t, set)
	assert.True(t, errdefs.IsIsolation(err))

	assert.Equal(t, []Domain{DomainUser, DomainPID}, rec.entered)
	assert.Equal(t, []Domain{DomainPID, DomainUser}, rec.released)
}

func TestEnterRejectsUnknownDomain(t *testing.T) {
	rec := &recorder{}
	m := NewManagerWithHooks(okProbe, rec.enter)

	_, err := m.Enter([]Domain{DomainPID, Domain("timens")})
	require.Error(t, err)
	assert.True(t, errdefs.IsIsolation(err))
	// validation happens before any entry
	assert.Empty(t, rec.entered)
}

func TestEnterProbesBeforeEntering(t *testing.T) {
	rec := &recorder{}
	probe := func(d Domain) error {
		if d == DomainUser {
			return errors.New("user namespaces disabled")
		}
		return nil
	}
	m := NewManagerWithHooks(probe, rec.enter)

	// user fails its probe even though it would be entered last of these;
	// nothing at all may have been entered
	_, err := m.Enter([]Domain{DomainPID, DomainUser})
	require.Error(t, err)
	assert.True(t, errdefs.IsIsolation(err))
	assert.Empty(t, rec.entered)
}

func TestReleaseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	m := NewManagerWithHooks(okProbe, rec.enter)

	set, err := m.Enter([]Domain{DomainUTS, DomainIPC})
	require.NoError(t, err)

	require.NoError(t, set.Release())
	require.NoError(t, set.Release())
	assert.Equal(t, []Domain{DomainIPC, DomainUTS}, rec.released)
}

func TestOrderedPassesUnknownThrough(t *testing.T) {
	out := Ordered([]Domain{Domain("bogus"), DomainMount, DomainUser})
	assert.Equal(t, []Domain{DomainUser, DomainMount, Domain("bogus")}, out)
}
