package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RedactedValue replaces any value whose key names secret material.
const RedactedValue = "<redacted>"

// sensitiveNames match keys whose values must never be persisted.
var sensitiveNames = []string{
	"password", "passwd", "secret", "token", "auth", "cookie",
	"api_key", "apikey", "credential", "key", "bearer",
}

// piiNames match keys that leak schema or identity information; the
// key itself is hashed so per-workspace queries still correlate.
var piiNames = []string{
	"ssn", "social_security", "dob", "date_of_birth", "credit_card",
	"card_number", "cvv", "phone", "address", "zip", "postal", "email",
}

// Redactor rewrites operation args before they reach the store. The
// salt is process-local, persisted alongside the log so in-process
// queries can match hashed names; it never leaks to export.
type Redactor struct {
	salt string
}

// NewRedactor creates a redactor with the given salt.
func NewRedactor(salt string) *Redactor {
	return &Redactor{salt: salt}
}

// HashName returns the salted hash for a field name, truncated to 8
// hex chars for readability.
func (r *Redactor) HashName(name string) string {
	sum := sha256.Sum256([]byte(name + ":" + r.salt))
	return hex.EncodeToString(sum[:])[:8]
}

// Redact returns a deep-rewritten copy of args. Sensitive keys become
// salted name hashes with RedactedValue values; PII keys are hashed
// but keep their values.
func (r *Redactor) Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		key := k
		switch {
		case isSensitiveName(k):
			out["name:"+r.HashName(k)] = RedactedValue
			continue
		case isPIIName(k):
			key = "pii:" + r.HashName(k)
		}
		out[key] = r.redactValue(k, v)
	}
	return out
}

func (r *Redactor) redactValue(parentKey string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			// Field-name lists (form fills) carry names, not values;
			// sensitive names are hashed like keys.
			if s, ok := e.(string); ok && isFieldNameList(parentKey) && (isSensitiveName(s) || isPIIName(s)) {
				out[i] = "name:" + r.HashName(s)
				continue
			}
			out[i] = r.redactValue(parentKey, e)
		}
		return out
	default:
		return v
	}
}

func isFieldNameList(key string) bool {
	lower := strings.ToLower(key)
	return lower == "fields" || lower == "filled_fields"
}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveNames {
		if lower == s || strings.HasSuffix(lower, "_"+s) || strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func isPIIName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range piiNames {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
