package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// EntryRow mirrors the entries table. The audit package owns the
// semantic types; rows are the wire format.
type EntryRow struct {
	ID         string
	TS         float64
	Principal  string
	Op         string
	Object     string
	Args       []byte
	Result     string
	ErrorKind  string
	TxID       string
	CpID       string
	Provenance string
	RiskTier   string
	PrevID     string
}

// EntryQuery filters entries. Zero values mean "no filter", except that
// a zero Limit caps the result at 1000 rows. Op globbing
// happens above the store; OpPrefix supports the common "tab.*" case
// directly in SQL.
type EntryQuery struct {
	Principal string
	Op        string
	OpPrefix  string
	Object    string
	TxID      string
	Since     float64
	Until     float64
	Limit     int
}

// AppendEntry inserts one audit row. The caller treats any error as
// fatal for the originating operation (fail-closed).
func (s *Store) AppendEntry(e EntryRow) error {
	_, err := s.db.Exec(
		`INSERT INTO entries
		 (id, ts, principal, op, object, args, result, error_kind, tx_id, cp_id, provenance, risk_tier, prev_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TS, e.Principal, e.Op, nullable(e.Object), e.Args, e.Result,
		nullable(e.ErrorKind), nullable(e.TxID), nullable(e.CpID),
		e.Provenance, nullable(e.RiskTier), nullable(e.PrevID),
	)
	if err != nil {
		return fmt.Errorf("append entry %s: %w", e.ID, err)
	}
	return nil
}

// QueryEntries returns rows matching the query, ordered by commit time.
func (s *Store) QueryEntries(q EntryQuery) ([]EntryRow, error) {
	var conds []string
	var params []any

	if q.Principal != "" {
		conds = append(conds, "principal = ?")
		params = append(params, q.Principal)
	}
	if q.Op != "" {
		conds = append(conds, "op = ?")
		params = append(params, q.Op)
	}
	if q.OpPrefix != "" {
		conds = append(conds, "op LIKE ?")
		params = append(params, q.OpPrefix+"%")
	}
	if q.Object != "" {
		conds = append(conds, "object = ?")
		params = append(params, q.Object)
	}
	if q.TxID != "" {
		conds = append(conds, "tx_id = ?")
		params = append(params, q.TxID)
	}
	if q.Since > 0 {
		conds = append(conds, "ts >= ?")
		params = append(params, q.Since)
	}
	if q.Until > 0 {
		conds = append(conds, "ts <= ?")
		params = append(params, q.Until)
	}

	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	params = append(params, limit)

	rows, err := s.db.Query(
		`SELECT id, ts, principal, op, object, args, result, error_kind,
		        tx_id, cp_id, provenance, risk_tier, prev_id
		 FROM entries WHERE `+where+` ORDER BY ts ASC, rowid ASC LIMIT ?`,
		params...,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEntry returns the newest entry for a principal, or false.
func (s *Store) LastEntry(principal string) (EntryRow, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, ts, principal, op, object, args, result, error_kind,
		        tx_id, cp_id, provenance, risk_tier, prev_id
		 FROM entries WHERE principal = ? ORDER BY ts DESC, rowid DESC LIMIT 1`,
		principal,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return EntryRow{}, false, nil
	}
	if err != nil {
		return EntryRow{}, false, err
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (EntryRow, error) {
	var e EntryRow
	var object, errorKind, txID, cpID, riskTier, prevID sql.NullString
	err := r.Scan(
		&e.ID, &e.TS, &e.Principal, &e.Op, &object, &e.Args, &e.Result,
		&errorKind, &txID, &cpID, &e.Provenance, &riskTier, &prevID,
	)
	if err != nil {
		return EntryRow{}, err
	}
	e.Object = object.String
	e.ErrorKind = errorKind.String
	e.TxID = txID.String
	e.CpID = cpID.String
	e.RiskTier = riskTier.String
	e.PrevID = prevID.String
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
