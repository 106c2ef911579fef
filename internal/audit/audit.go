package audit

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/storage"
)

// Log is the append-only audit log. A single writer is serialized
// behind mu; readers hit the store directly.
type Log struct {
	mu      sync.Mutex
	store   *storage.Store
	redact  *Redactor
	heads   map[string]string // principal -> last entry id (PrevID chain)
	logger  *logging.Logger
	metrics *monitoring.Metrics
	clock   func() time.Time
}

// New opens the log over the given store, loading (or creating) the
// redaction salt.
func New(store *storage.Store, logger *logging.Logger, metrics *monitoring.Metrics) (*Log, error) {
	salt, err := store.Salt()
	if err != nil {
		return nil, &WriteError{Cause: err}
	}
	return &Log{
		store:   store,
		redact:  NewRedactor(salt),
		heads:   make(map[string]string),
		logger:  logger.Component("audit"),
		metrics: metrics,
		clock:   time.Now,
	}, nil
}

// WithClock overrides the time source (tests).
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append assigns ID, timestamp, and the per-principal PrevID link,
// redacts args, and persists the entry. A store failure returns
// *WriteError and the entry is not considered recorded.
func (l *Log) Append(e Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = uuid.New().String()
	e.Timestamp = l.clock()
	e.Args = l.redact.Redact(e.Args)
	e.PrevID = l.headLocked(e.Principal)
	if e.Provenance == "" {
		e.Provenance = ProvenanceSystem
	}

	argsJSON, err := sonic.Marshal(e.Args)
	if err != nil {
		l.metrics.AuditWriteErrs.Inc()
		return "", &WriteError{Cause: err}
	}

	row := storage.EntryRow{
		ID:         e.ID,
		TS:         float64(e.Timestamp.UnixNano()) / 1e9,
		Principal:  e.Principal,
		Op:         e.Op,
		Object:     e.Object,
		Args:       argsJSON,
		Result:     string(e.Result),
		ErrorKind:  e.ErrorKind,
		TxID:       e.TxID,
		CpID:       e.CheckpointID,
		Provenance: string(e.Provenance),
		RiskTier:   e.RiskTier,
		PrevID:     e.PrevID,
	}
	if err := l.store.AppendEntry(row); err != nil {
		l.metrics.AuditWriteErrs.Inc()
		l.logger.Error("audit append failed", zap.String("op", e.Op), zap.Error(err))
		return "", &WriteError{Cause: err}
	}

	l.heads[e.Principal] = e.ID
	l.metrics.AuditAppends.WithLabelValues(string(e.Result)).Inc()
	return e.ID, nil
}

// headLocked resolves the current chain head for a principal, falling
// back to the store after a restart.
func (l *Log) headLocked(principal string) string {
	if head, ok := l.heads[principal]; ok {
		return head
	}
	row, ok, err := l.store.LastEntry(principal)
	if err != nil || !ok {
		return ""
	}
	l.heads[principal] = row.ID
	return row.ID
}

// Query returns entries matching the filter in commit order. Op
// filters support glob matching: "*" matches one segment and "**" any
// remainder, except that a trailing ".*" also matches deeper names
// ("tab.*" matches "tab.extract.links").
func (l *Log) Query(f Filter) ([]Entry, error) {
	q := storage.EntryQuery{
		Principal: f.Principal,
		Object:    f.Object,
		TxID:      f.TxID,
		Limit:     f.Limit,
	}
	if !f.Since.IsZero() {
		q.Since = float64(f.Since.UnixNano()) / 1e9
	}
	if !f.Until.IsZero() {
		q.Until = float64(f.Until.UnixNano()) / 1e9
	}

	opGlob := ""
	if f.Op != "" {
		if strings.ContainsAny(f.Op, "*?[") {
			opGlob = f.Op
			// Narrow in SQL with the literal prefix before the first
			// metacharacter; the glob below is authoritative.
			q.OpPrefix = literalPrefix(f.Op)
		} else {
			q.Op = f.Op
		}
	}

	rows, err := l.store.QueryEntries(q)
	if err != nil {
		return nil, &QueryError{Cause: err}
	}

	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if opGlob != "" && !opMatches(opGlob, row.Op) {
			continue
		}
		e, err := entryFromRow(row)
		if err != nil {
			return nil, &QueryError{Cause: err}
		}
		out = append(out, e)
	}
	return out, nil
}

// Last returns the newest entry for a principal, or nil.
func (l *Log) Last(principal string) (*Entry, error) {
	row, ok, err := l.store.LastEntry(principal)
	if err != nil {
		return nil, &QueryError{Cause: err}
	}
	if !ok {
		return nil, nil
	}
	e, err := entryFromRow(row)
	if err != nil {
		return nil, &QueryError{Cause: err}
	}
	return &e, nil
}

// Count returns the number of entries matching the filter.
func (l *Log) Count(f Filter) (int, error) {
	if f.Limit <= 0 {
		f.Limit = math.MaxInt32
	}
	entries, err := l.Query(f)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// TransactionLog returns every entry recorded under a transaction.
func (l *Log) TransactionLog(txID string) ([]Entry, error) {
	return l.Query(Filter{TxID: txID, Limit: math.MaxInt32})
}

// HashedName exposes the redactor's name hash so in-process queries
// can match redacted keys.
func (l *Log) HashedName(name string) string {
	return l.redact.HashName(name)
}

// opMatches applies glob semantics over dot-separated operation names:
// "*" matches a single segment, "**" the remainder.
func opMatches(pattern, op string) bool {
	p := strings.ReplaceAll(pattern, ".", "/")
	s := strings.ReplaceAll(op, ".", "/")
	// Treat a trailing ".*" as "that segment or deeper", matching the
	// query semantics of the op hierarchy.
	if strings.HasSuffix(p, "/*") {
		if ok, _ := doublestar.Match(strings.TrimSuffix(p, "/*")+"/**", s); ok {
			return true
		}
	}
	ok, err := doublestar.Match(p, s)
	return err == nil && ok
}

func literalPrefix(glob string) string {
	if i := strings.IndexAny(glob, "*?["); i >= 0 {
		return glob[:i]
	}
	return glob
}

func entryFromRow(row storage.EntryRow) (Entry, error) {
	var args map[string]any
	if len(row.Args) > 0 && string(row.Args) != "null" {
		if err := sonic.Unmarshal(row.Args, &args); err != nil {
			return Entry{}, err
		}
	}
	sec := int64(row.TS)
	nsec := int64((row.TS - float64(sec)) * 1e9)
	return Entry{
		ID:           row.ID,
		Timestamp:    time.Unix(sec, nsec),
		Principal:    row.Principal,
		Op:           row.Op,
		Object:       row.Object,
		Args:         args,
		Result:       Result(row.Result),
		ErrorKind:    row.ErrorKind,
		TxID:         row.TxID,
		CheckpointID: row.CpID,
		Provenance:   Provenance(row.Provenance),
		RiskTier:     row.RiskTier,
		PrevID:       row.PrevID,
	}, nil
}
