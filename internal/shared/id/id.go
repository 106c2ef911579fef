// Package id provides centralized ID generation for the kernel.
//
// Two ID families coexist:
//   - Object IDs: "<type>:<n>" where n is a per-type monotonic counter.
//     Stable, parseable, never reused within a process lifetime.
//   - Opaque IDs: prefixed ULIDs for capabilities and submissions
//     (cap_*, sub_*), k-sortable for timeline queries.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type tags a managed object kind. The tag is the ID prefix.
type Type string

const (
	Tab         Type = "tab"
	Document    Type = "doc"
	Form        Type = "form"
	Download    Type = "download"
	Workspace   Type = "workspace"
	Transaction Type = "tx"
	Checkpoint  Type = "cp"
	Credential  Type = "cred"
)

// Types lists every object type tag.
func Types() []Type {
	return []Type{Tab, Document, Form, Download, Workspace, Transaction, Checkpoint, Credential}
}

// ObjectID is a stable object identifier of the form "<type>:<n>".
// Equality is exact string match.
type ObjectID string

// String returns the rendered ID.
func (o ObjectID) String() string { return string(o) }

// Type returns the type tag portion of the ID.
func (o ObjectID) Type() Type {
	s := string(o)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return Type(s[:i])
	}
	return Type(s)
}

// Seq returns the monotonic counter portion of the ID.
func (o ObjectID) Seq() uint64 {
	s := string(o)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(s[i+1:], 10, 64)
	return n
}

// Format renders an ObjectID from its parts.
func Format(t Type, n uint64) ObjectID {
	return ObjectID(fmt.Sprintf("%s:%d", t, n))
}

// Parse validates and parses an object ID string.
func Parse(s string) (ObjectID, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return "", fmt.Errorf("malformed object id %q", s)
	}
	if _, err := strconv.ParseUint(s[i+1:], 10, 64); err != nil {
		return "", fmt.Errorf("malformed object id %q: %w", s, err)
	}
	return ObjectID(s), nil
}

// Allocator hands out per-type monotonic object IDs. Counters are seeded
// at 1 and never reused within a process lifetime.
type Allocator struct {
	mu       sync.Mutex
	counters map[Type]uint64
}

// NewAllocator creates an allocator with all counters at zero.
func NewAllocator() *Allocator {
	return &Allocator{counters: make(map[Type]uint64)}
}

// Next returns the next ID for the given type.
func (a *Allocator) Next(t Type) ObjectID {
	a.mu.Lock()
	a.counters[t]++
	n := a.counters[t]
	a.mu.Unlock()
	return Format(t, n)
}

// Peek returns the last counter handed out for a type.
func (a *Allocator) Peek(t Type) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[t]
}

// Opaque ID prefixes.
const (
	CapabilityPrefix = "cap"
	SubmissionPrefix = "sub"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for tests that need deterministic output.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewCapabilityID generates a capability ID.
func NewCapabilityID() string {
	return Default().GenerateWithPrefix(CapabilityPrefix)
}

// NewSubmissionID generates an agent submission ID.
func NewSubmissionID() string {
	return Default().GenerateWithPrefix(SubmissionPrefix)
}
