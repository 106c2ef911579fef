package storage

import "fmt"

// RevocationRow is a capability tombstone. It carries the revoked
// grant's full bookkeeping (patterns, granter, scope) so a request can
// still be classified as revoked after a restart, when the in-memory
// grant is gone. A persisted tombstone is never satisfiable again.
type RevocationRow struct {
	CapID     string
	Principal string
	Operation string
	Resource  string
	GrantedBy string
	Scope     string
	RevokedAt float64
	Reason    string
}

// InsertRevocation persists a tombstone. The broker calls this before
// acknowledging a revoke.
func (s *Store) InsertRevocation(r RevocationRow) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO revocations
		 (cap_id, principal, operation, resource, granted_by, scope, revoked_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CapID, r.Principal, r.Operation, r.Resource, r.GrantedBy, r.Scope,
		r.RevokedAt, r.Reason,
	)
	if err != nil {
		return fmt.Errorf("persist revocation %s: %w", r.CapID, err)
	}
	return nil
}

// ListRevocations returns every tombstone. Loaded at broker startup so
// revoked capabilities cannot resurrect.
func (s *Store) ListRevocations() ([]RevocationRow, error) {
	rows, err := s.db.Query(
		`SELECT cap_id, principal, operation, resource, granted_by, scope, revoked_at, reason
		 FROM revocations`,
	)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	defer rows.Close()

	var out []RevocationRow
	for rows.Next() {
		var r RevocationRow
		if err := rows.Scan(&r.CapID, &r.Principal, &r.Operation, &r.Resource,
			&r.GrantedBy, &r.Scope, &r.RevokedAt, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
