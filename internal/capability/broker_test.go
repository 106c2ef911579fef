package capability

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/storage"
)

type fixture struct {
	store  *storage.Store
	log    *audit.Log
	broker *Broker
}

func newFixture(t *testing.T, path string) *fixture {
	t.Helper()
	var store *storage.Store
	var err error
	if path == "" {
		store, err = storage.OpenMemory()
	} else {
		store, err = storage.Open(path)
	}
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := monitoring.NewMetrics()
	log, err := audit.New(store, logging.NewNop(), metrics)
	require.NoError(t, err)

	broker, err := New(store, log, logging.NewNop(), metrics)
	require.NoError(t, err)
	return &fixture{store: store, log: log, broker: broker}
}

func TestGrantAndRequire(t *testing.T) {
	f := newFixture(t, "")

	cap, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1",
		Operation: "tab.read",
		Resource:  "tab:*",
		Tier:      TierRead,
		GrantedBy: "policy",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cap.ID)

	tier, err := f.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:42"})
	require.NoError(t, err)
	assert.Equal(t, TierRead, tier)
}

func TestRequireDenyReasons(t *testing.T) {
	f := newFixture(t, "")
	now := time.Now()
	f.broker.WithClock(func() time.Time { return now })

	// No grant at all.
	_, err := f.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonNoGrant, denied.Reason)

	// Expired grant.
	_, err = f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.read", Resource: "tab:*",
		Tier: TierRead, TTL: time.Second,
	})
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	_, err = f.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonExpired, denied.Reason)

	// Revoked grant.
	cap, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "form.fill", Resource: "form:*", Tier: TierStateful,
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Revoke(cap.ID, "user", "test"))
	_, err = f.broker.Require(Request{Principal: "agent:1", Op: "form.fill", Resource: "form:1"})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonRevoked, denied.Reason)
}

func TestConstraintURLGlob(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.navigate", Resource: "tab:*", Tier: TierStateful,
		Constraints: &Constraints{URLPattern: "https://example.test/**"},
	})
	require.NoError(t, err)

	ok, err := f.broker.Check(Request{
		Principal: "agent:1", Op: "tab.navigate", Resource: "tab:1",
		URL: "https://example.test/login",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.broker.Require(Request{
		Principal: "agent:1", Op: "tab.navigate", Resource: "tab:1",
		URL: "https://evil.test/",
	})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonConstraintFailed, denied.Reason)
}

func TestConstraintRateLimitTokenBucket(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.read", Resource: "tab:*", Tier: TierRead,
		Constraints: &Constraints{RateLimit: &RateLimit{Events: 2, Per: time.Hour}},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := f.broker.Check(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
		require.NoError(t, err)
		assert.True(t, ok, "call %d inside budget", i)
	}

	_, err = f.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonConstraintFailed, denied.Reason)
}

func TestConstraintTimeWindow(t *testing.T) {
	f := newFixture(t, "")
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.Local) // 03:00
	f.broker.WithClock(func() time.Time { return now })

	_, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.read", Resource: "tab:*", Tier: TierRead,
		Constraints: &Constraints{Window: &TimeWindow{StartHour: 9, EndHour: 17}},
	})
	require.NoError(t, err)

	_, err = f.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonConstraintFailed, denied.Reason)

	now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	ok, err := f.broker.Check(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEveryCheckEmitsOneAuditEntry(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.read", Resource: "tab:*", Tier: TierRead,
	})
	require.NoError(t, err)

	_, err = f.broker.Check(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:1"})
	require.NoError(t, err)
	_, err = f.broker.Check(Request{Principal: "agent:1", Op: "form.fill", Resource: "form:1"})
	require.NoError(t, err)

	entries, err := f.log.Query(audit.Filter{Op: "capability.check"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ResultSuccess, entries[0].Result)
	assert.Equal(t, audit.ResultDenied, entries[1].Result)
	assert.Equal(t, string(ReasonNoGrant), entries[1].ErrorKind)
}

func TestRevokeAllSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	f := newFixture(t, dbPath)
	_, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.read", Resource: "tab:*", Tier: TierRead,
		GrantedBy: "policy",
	})
	require.NoError(t, err)

	tier, err := f.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:42"})
	require.NoError(t, err)
	assert.Equal(t, TierRead, tier)

	n, err := f.broker.RevokeAll("agent:1", "user")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.store.Close())

	// Restart: new broker over the same store. The tombstone carries
	// the revoked grant's full bookkeeping.
	f2 := newFixture(t, dbPath)
	rows, err := f2.store.ListRevocations()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "agent:1", rows[0].Principal)
	assert.Equal(t, "tab.read", rows[0].Operation)
	assert.Equal(t, "tab:*", rows[0].Resource)
	assert.Equal(t, "policy", rows[0].GrantedBy)
	assert.Equal(t, ScopeSession, rows[0].Scope)

	// The request that the dead grant used to satisfy denies with
	// reason revoked, not no_grant.
	_, err = f2.broker.Require(Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:42"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonRevoked, denied.Reason)

	// An unrelated request stays no_grant.
	_, err = f2.broker.Require(Request{Principal: "agent:1", Op: "form.fill", Resource: "form:1"})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonNoGrant, denied.Reason)
}

func TestListFiltersDeadCapabilities(t *testing.T) {
	f := newFixture(t, "")
	now := time.Now()
	f.broker.WithClock(func() time.Time { return now })

	live, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.read", Resource: "tab:*", Tier: TierRead,
	})
	require.NoError(t, err)
	expired, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "tab.list", Resource: "*", Tier: TierRead, TTL: time.Second,
	})
	require.NoError(t, err)
	revoked, err := f.broker.Grant(GrantSpec{
		Principal: "agent:1", Operation: "form.fill", Resource: "form:*", Tier: TierStateful,
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Revoke(revoked.ID, "user", ""))

	now = now.Add(2 * time.Second)
	caps := f.broker.List("agent:1")
	require.Len(t, caps, 1)
	assert.Equal(t, live.ID, caps[0].ID)
	_ = expired
}

func TestTierLabels(t *testing.T) {
	assert.Equal(t, "T1_READ", TierRead.String())
	assert.Equal(t, "T2_STATEFUL", TierStateful.String())
	assert.Equal(t, "T3_IRREVERSIBLE", TierIrreversible.String())

	tier, err := ParseTier("T3_IRREVERSIBLE")
	require.NoError(t, err)
	assert.Equal(t, TierIrreversible, tier)
	_, err = ParseTier("T4")
	assert.Error(t, err)
}
