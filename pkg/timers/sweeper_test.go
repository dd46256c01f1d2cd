package timers

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeRegistrar struct{ swept int }

func (f *fakeRegistrar) SweepExpired() int { f.swept++; return 1 }

type fakeDialogs struct {
	expired []string
	gotTTL  time.Duration
}

func (f *fakeDialogs) SweepIdle(timeout time.Duration) []string {
	f.gotTTL = timeout
	return f.expired
}

type fakeAges struct{ gotAge time.Duration }

func (f *fakeAges) SweepOlder(maxAge time.Duration) int {
	f.gotAge = maxAge
	return 2
}

type fakeRecorder struct {
	timedOut []string
	swept    bool
}

func (f *fakeRecorder) CallTimeout(callID string)                { f.timedOut = append(f.timedOut, callID) }
func (f *fakeRecorder) SweepFlushed(maxAge time.Duration) int { f.swept = true; return 0 }

type fakeAuth struct{ swept bool }

func (f *fakeAuth) SweepNonces() int { f.swept = true; return 0 }

func newTargets() (Targets, *fakeRegistrar, *fakeDialogs, *fakeAges, *fakeAges, *fakeRecorder, *fakeAuth) {
	reg := &fakeRegistrar{}
	dialogs := &fakeDialogs{expired: []string{"call-a", "call-b"}}
	pending := &fakeAges{}
	branches := &fakeAges{}
	rec := &fakeRecorder{}
	authn := &fakeAuth{}
	return Targets{
		Registrar: reg,
		Dialogs:   dialogs,
		Pending:   pending,
		Branches:  branches,
		Recorder:  rec,
		Auth:      authn,
	}, reg, dialogs, pending, branches, rec, authn
}

func TestTimerConstantsDeriveFromT1(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, T1)
	assert.Equal(t, 32*time.Second, BranchCleanup, "branch lifetime is 64*T1")
	assert.Equal(t, time.Hour, DialogTimeout)
	assert.Equal(t, 5*time.Minute, PendingCleanup)
	assert.Equal(t, time.Hour, TombstoneMaxAge)
}

func TestSweepDialogsEmitsTimeoutRows(t *testing.T) {
	targets, _, dialogs, _, _, rec, _ := newTargets()
	s, err := New(targets, testLogger())
	require.NoError(t, err)

	s.sweepDialogs()

	assert.Equal(t, DialogTimeout, dialogs.gotTTL)
	assert.Equal(t, []string{"call-a", "call-b"}, rec.timedOut,
		"every evicted dialog closes its CDR row with a timeout")
}

func TestSweepsUseConfiguredAges(t *testing.T) {
	targets, reg, _, pending, branches, rec, authn := newTargets()
	s, err := New(targets, testLogger())
	require.NoError(t, err)

	s.sweepRegistrations()
	s.sweepPending()
	s.sweepBranches()
	s.sweepTombstonesAndNonces()

	assert.Equal(t, 1, reg.swept)
	assert.Equal(t, PendingCleanup, pending.gotAge)
	assert.Equal(t, BranchCleanup, branches.gotAge)
	assert.True(t, rec.swept)
	assert.True(t, authn.swept)
}

func TestStartStop(t *testing.T) {
	targets, _, _, _, _, _, _ := newTargets()
	s, err := New(targets, testLogger())
	require.NoError(t, err)

	s.Start()
	s.Stop()
}
