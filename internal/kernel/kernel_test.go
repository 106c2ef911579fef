package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenproject/warden/internal/approval"
	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/capability"
	"github.com/wardenproject/warden/internal/config"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/objects"
	"github.com/wardenproject/warden/internal/runtime"
	"github.com/wardenproject/warden/internal/shared/id"
	"github.com/wardenproject/warden/internal/txn"
)

func newKernel(t *testing.T, dbPath string, opts ...Option) *Kernel {
	t.Helper()
	cfg := config.Default()
	if dbPath == "" {
		dbPath = ":memory:"
	}
	cfg.Store.Path = dbPath

	opts = append([]Option{WithLogger(logging.NewNop())}, opts...)
	k, err := New(cfg, opts...)
	require.NoError(t, err)
	return k
}

// Scenario: grant, use, revoke, restart. Revocations are durable; no
// zombie tokens.
func TestGrantUseRevokeRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	k := newKernel(t, dbPath)
	_, err := k.Broker.Grant(capability.GrantSpec{
		Principal: "agent:1",
		Operation: "tab.read",
		Resource:  "tab:*",
		Tier:      capability.TierRead,
		GrantedBy: "policy",
	})
	require.NoError(t, err)

	tier, err := k.Broker.Require(capability.Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:42"})
	require.NoError(t, err)
	assert.Equal(t, capability.TierRead, tier)

	n, err := k.Broker.RevokeAll("agent:1", "user")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, k.Shutdown(context.Background()))

	// Restart over the same store.
	k2 := newKernel(t, dbPath)
	defer k2.Shutdown(context.Background())

	_, err = k2.Broker.Require(capability.Request{Principal: "agent:1", Op: "tab.read", Resource: "tab:42"})
	var denied *capability.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, capability.ReasonRevoked, denied.Reason)

	// Audit entries survived the restart too.
	entries, err := k2.Audit.Query(audit.Filter{Op: "capability.*"})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

// Scenario: checkpoint then rollback restores the pre-checkpoint view.
func TestCheckpointRollbackScenario(t *testing.T) {
	k := newKernel(t, "")
	defer k.Shutdown(context.Background())

	tx, err := k.Txns.Begin(nil)
	require.NoError(t, err)

	tab := k.Objects.Create(id.Tab, objects.Attrs{"url": "https://a.test"})
	require.NoError(t, k.Txns.RecordCreate(tx, tab.ID))
	assert.Equal(t, id.ObjectID("tab:1"), tab.ID)

	_, err = tx.Checkpoint("pre")
	require.NoError(t, err)

	require.NoError(t, k.Txns.RecordMutation(tx, tab.ID))
	_, err = k.Objects.Update(tab.ID, objects.Attrs{"url": "https://b.test"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback("pre"))

	o, err := k.Objects.Get(tab.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a.test", o.Attrs["url"])
	require.NoError(t, tx.Commit())
}

// Scenario: extracted web content cannot drive a T3 submission.
func TestFirewallScenario(t *testing.T) {
	k := newKernel(t, "", WithApprover(approval.Granting(approval.ApproveSession)))
	defer k.Shutdown(context.Background())

	_, err := k.Broker.Grant(capability.GrantSpec{
		Principal: "agent:1", Operation: "**", Resource: "**",
		Tier: capability.TierStateful, GrantedBy: "policy",
	})
	require.NoError(t, err)

	res := k.Runtime.Execute(context.Background(), "agent:1", `
var tab = browser.tabs.open("https://example.test/login");
var forms = browser.tabs.extract(tab.id, "forms");
var form = browser.forms.find(tab.id, "login");
browser.forms.fill(form.id, {email: forms.forms[0].action});
browser.forms.submit(form.id);
`, runtime.Options{})

	assert.Equal(t, runtime.StateFailed, res.State)
	assert.Equal(t, "firewall", res.ErrorKind)

	denials, err := k.Audit.Query(audit.Filter{Op: "form.submit", Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, audit.ResultDenied, denials[0].Result)

	forms := k.Objects.ListByType(id.Form)
	require.Len(t, forms, 1)
	assert.Equal(t, false, forms[0].Attrs["submitted"], "no submission occurred")
}

// Shutdown force-aborts active transactions; they are not durable.
func TestShutdownAbortsActiveTransactions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	k := newKernel(t, dbPath)

	tab := k.Objects.Create(id.Tab, objects.Attrs{"url": "https://a.test"})
	tx, err := k.Txns.Begin(nil)
	require.NoError(t, err)
	require.NoError(t, k.Txns.RecordMutation(tx, tab.ID))
	_, err = k.Objects.Update(tab.ID, objects.Attrs{"url": "https://b.test"})
	require.NoError(t, err)

	require.NoError(t, k.Shutdown(context.Background()))
	assert.Equal(t, txn.StateAborted, tx.State())

	o, err := k.Objects.Get(tab.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a.test", o.Attrs["url"])
}

// End-to-end: audit completeness for a successful mediated mutation.
func TestAuditCompletenessEndToEnd(t *testing.T) {
	k := newKernel(t, "")
	defer k.Shutdown(context.Background())

	_, err := k.Broker.Grant(capability.GrantSpec{
		Principal: "agent:1", Operation: "**", Resource: "**",
		Tier: capability.TierStateful, GrantedBy: "policy",
	})
	require.NoError(t, err)

	res := k.Runtime.Execute(context.Background(), "agent:1", `
var tab = browser.tabs.open("https://example.test/search");
browser.tabs.navigate(tab.id, "https://example.test/contact");
`, runtime.Options{})
	require.Equal(t, runtime.StateCompleted, res.State, "error: %s", res.Error)

	last, err := k.Audit.Query(audit.Filter{Op: "tab.navigate"})
	require.NoError(t, err)
	require.NotEmpty(t, last)
	assert.Equal(t, "tab:1", last[len(last)-1].Object)
}

func TestSaltIsStableAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	k := newKernel(t, dbPath)
	h1 := k.Audit.HashedName("password")
	require.NoError(t, k.Shutdown(context.Background()))

	k2 := newKernel(t, dbPath)
	defer k2.Shutdown(context.Background())
	assert.Equal(t, h1, k2.Audit.HashedName("password"),
		"persisted salt keeps hashed names queryable across restarts")
}
