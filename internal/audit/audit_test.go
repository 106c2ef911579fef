package audit

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := New(store, logging.NewNop(), monitoring.NewMetrics())
	require.NoError(t, err)
	return log
}

func TestAppendAssignsIdentityAndChain(t *testing.T) {
	log := newTestLog(t)

	first, err := log.Append(Entry{
		Principal: "agent:1",
		Op:        "tab.open",
		Object:    "tab:1",
		Result:    ResultSuccess,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := log.Append(Entry{
		Principal: "agent:1",
		Op:        "tab.navigate",
		Object:    "tab:1",
		Result:    ResultSuccess,
	})
	require.NoError(t, err)

	entries, err := log.Query(Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, first, entries[0].ID)
	assert.Empty(t, entries[0].PrevID, "first entry starts the chain")
	assert.Equal(t, second, entries[1].ID)
	assert.Equal(t, first, entries[1].PrevID, "chain is dense per principal")
}

func TestChainIsPerPrincipal(t *testing.T) {
	log := newTestLog(t)

	a1, err := log.Append(Entry{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess})
	require.NoError(t, err)
	_, err = log.Append(Entry{Principal: "agent:2", Op: "tab.open", Result: ResultSuccess})
	require.NoError(t, err)
	a2, err := log.Append(Entry{Principal: "agent:1", Op: "tab.close", Result: ResultSuccess})
	require.NoError(t, err)

	entries, err := log.Query(Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a1, entries[1].PrevID)
	assert.Equal(t, a2, entries[1].ID)

	other, err := log.Query(Filter{Principal: "agent:2"})
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Empty(t, other[0].PrevID)
}

func TestRedactionNeverPersistsSecrets(t *testing.T) {
	log := newTestLog(t)

	const secret = "hunter2-super-secret"
	_, err := log.Append(Entry{
		Principal: "agent:1",
		Op:        "form.fill",
		Object:    "form:1",
		Args: map[string]any{
			"password": secret,
			"api_key":  secret,
			"nested":   map[string]any{"auth_token": secret},
			"username": "alice",
		},
		Result: ResultSuccess,
	})
	require.NoError(t, err)

	entries, err := log.Query(Filter{Principal: "agent:1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := sonic.Marshal(entries[0].Args)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret, "secret values never reach the store")
	assert.Contains(t, string(raw), "alice")

	// Sensitive names appear only as salted hashes, values replaced.
	assert.NotContains(t, string(raw), "password")
	hashed := "name:" + log.HashedName("password")
	assert.Equal(t, RedactedValue, entries[0].Args[hashed])
}

func TestRedactionHashesPIIFieldNames(t *testing.T) {
	r := NewRedactor("fixed-salt")
	out := r.Redact(map[string]any{
		"credit_card": "4111111111111111",
		"note":        "hello",
	})

	_, plain := out["credit_card"]
	assert.False(t, plain)
	hashed := "pii:" + r.HashName("credit_card")
	assert.Equal(t, "4111111111111111", out[hashed], "PII keys are hashed, values kept")
	assert.Equal(t, "hello", out["note"])
}

func TestQueryOpGlob(t *testing.T) {
	log := newTestLog(t)
	for _, op := range []string{"tab.open", "tab.navigate", "form.fill", "tab.extract"} {
		_, err := log.Append(Entry{Principal: "agent:1", Op: op, Result: ResultSuccess})
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		glob string
		want int
	}{
		{"single segment star", "tab.*", 3},
		{"remainder", "tab.**", 3},
		{"exact", "form.fill", 1},
		{"everything", "**", 4},
		{"no match", "cred.*", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := log.Query(Filter{Op: tt.glob})
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestLastAndCount(t *testing.T) {
	log := newTestLog(t)

	last, err := log.Last("agent:1")
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = log.Append(Entry{Principal: "agent:1", Op: "tab.open", Object: "tab:1", Result: ResultSuccess})
	require.NoError(t, err)
	_, err = log.Append(Entry{Principal: "agent:1", Op: "tab.close", Object: "tab:1", Result: ResultSuccess})
	require.NoError(t, err)

	last, err = log.Last("agent:1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "tab.close", last.Op)

	n, err := log.Count(Filter{Principal: "agent:1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTransactionLog(t *testing.T) {
	log := newTestLog(t)

	_, err := log.Append(Entry{Principal: "agent:1", Op: "tab.open", TxID: "tx:1", Result: ResultSuccess})
	require.NoError(t, err)
	_, err = log.Append(Entry{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess})
	require.NoError(t, err)

	entries, err := log.TransactionLog("tx:1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx:1", entries[0].TxID)
}

func TestExportJSONAndGzip(t *testing.T) {
	log := newTestLog(t)
	_, err := log.Append(Entry{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess})
	require.NoError(t, err)

	var plain bytes.Buffer
	n, err := log.Export(&plain, Filter{}, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, plain.String(), "tab.open")

	var packed bytes.Buffer
	_, err = log.Export(&packed, Filter{}, FormatJSONGzip)
	require.NoError(t, err)

	gz, err := gzip.NewReader(&packed)
	require.NoError(t, err)
	unpacked, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(unpacked), "tab.open")
}

func TestAppendFailsClosedOnStoreError(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	log, err := New(store, logging.NewNop(), monitoring.NewMetrics())
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, err = log.Append(Entry{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess})
	require.Error(t, err)
	var werr *WriteError
	assert.ErrorAs(t, err, &werr)
}

func TestDefaultProvenance(t *testing.T) {
	log := newTestLog(t)
	_, err := log.Append(Entry{Principal: "agent:1", Op: "tab.open", Result: ResultSuccess})
	require.NoError(t, err)

	entries, err := log.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ProvenanceSystem, entries[0].Provenance)
}

func TestSensitiveNameMatching(t *testing.T) {
	assert.True(t, isSensitiveName("password"))
	assert.True(t, isSensitiveName("API_KEY"))
	assert.True(t, isSensitiveName("session_token"))
	assert.True(t, isSensitiveName("Cookie"))
	assert.False(t, isSensitiveName("username"))
	assert.False(t, isSensitiveName("url"))
}
