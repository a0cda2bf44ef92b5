// Package contentcore is the server-side core of a collaborative rich-text
// editing platform: documents evolve by an append-only sequence of
// Operations, served through a per-document Backend that caches recent
// state, serializes writes, and fans operations out to live subscribers via
// OperationStreams.
package contentcore

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Limits from the data model.
const (
	// MinVersion is the version of the implicit base operation/snapshot
	// that exists for every document.
	MinVersion uint64 = 0

	// MaxVersion is the largest version a document may reach.
	MaxVersion uint64 = 1<<32 - 1

	// MaxEntitySize is the serialized-size ceiling shared by schemas,
	// operations, and snapshots.
	MaxEntitySize = 1 << 20 // 1 MiB
)

// Meta carries caller-supplied metadata (session, user, time, and any
// additional caller-defined keys). The Service Facade overwrites the
// "session", "user", and "time" keys on outgoing schemas and operations
// while preserving every other key untouched.
type Meta map[string]any

// Well-known Meta keys stamped by the Service Facade.
const (
	MetaKeySession = "session"
	MetaKeyUser    = "user"
	MetaKeyTime    = "time"
)

// StampMeta returns a copy of meta with session, user, and time overwritten,
// leaving every other key as the caller supplied it.
func StampMeta(meta Meta, session, user string, t time.Time) Meta {
	out := make(Meta, len(meta)+3)
	for k, v := range meta {
		out[k] = v
	}
	out[MetaKeySession] = session
	out[MetaKeyUser] = user
	out[MetaKeyTime] = t
	return out
}

// Schema is a content-addressed, immutable description of the node and mark
// kinds a document type allows. Data is opaque to the core: each
// ContentType interprets it for its own validateSchema/apply logic.
type Schema struct {
	Hash string          `json:"hash" bson:"hash"`
	Type string          `json:"type" bson:"type"`
	Data json.RawMessage `json:"data" bson:"data"`
	Meta Meta            `json:"meta,omitempty" bson:"meta,omitempty"`
}

// Size returns the approximate serialized size of the schema, used against
// MaxEntitySize.
func (s *Schema) Size() int {
	return len(s.Type) + len(s.Data)
}

// FingerprintSchema computes the content-addressed hash of a (type, data)
// pair. Two schemas with identical type and data always hash identically;
// this is what lets registerSchema be idempotent and lets a schema be used
// as a stable operation/snapshot foreign key.
func FingerprintSchema(schemaType string, data json.RawMessage) string {
	h := xxhash.New()
	_, _ = h.Write([]byte(schemaType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return formatHash(h.Sum64())
}

func formatHash(v uint64) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hextable[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// Operation is one append-only step in a document's history. The implicit
// base operation (version == MinVersion) is never stored: Key is empty,
// Schema is empty, and Data/Meta are nil.
type Operation struct {
	Key     string          `json:"key" bson:"key"`
	Type    string          `json:"type" bson:"type"`
	ID      string          `json:"id" bson:"id"`
	Version uint64          `json:"version" bson:"version"`
	Schema  string          `json:"schema" bson:"schema"`
	Data    json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Meta    Meta            `json:"meta,omitempty" bson:"meta,omitempty"`
}

// Size returns the approximate serialized size of the operation, used
// against MaxEntitySize.
func (o *Operation) Size() int {
	return len(o.Key) + len(o.Type) + len(o.ID) + len(o.Schema) + len(o.Data)
}

// IsBase reports whether op is the synthetic base operation for a document.
func (o *Operation) IsBase() bool {
	return o.Version == MinVersion
}

// BaseOperation returns the implicit base operation for (docType, id).
func BaseOperation(docType, id string) Operation {
	return Operation{Type: docType, ID: id, Version: MinVersion}
}

// Snapshot is a derived, point-in-time state of a document.
type Snapshot struct {
	Type    string          `json:"type" bson:"type"`
	ID      string          `json:"id" bson:"id"`
	Version uint64          `json:"version" bson:"version"`
	Schema  string          `json:"schema" bson:"schema"`
	Data    json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Meta    Meta            `json:"meta,omitempty" bson:"meta,omitempty"`
}

// Size returns the approximate serialized size of the snapshot, used
// against MaxEntitySize.
func (s *Snapshot) Size() int {
	return len(s.Type) + len(s.ID) + len(s.Schema) + len(s.Data)
}

// BaseSnapshot returns the implicit base snapshot for (docType, id).
func BaseSnapshot(docType, id string) Snapshot {
	return Snapshot{Type: docType, ID: id, Version: MinVersion}
}

// DocKey combines a document type and id into the single string used as a
// cache-map key. It uses the same escaping rule as pub/sub topics (see
// EscapeJoin) so that, e.g., (type="a~b", id="c") and (type="a", id="b~c")
// never collide.
func DocKey(docType, id string) string {
	return EscapeJoin(docType, id)
}

// EscapeJoin joins parts with "~", escaping "!" as "!!" and "~" as "!~"
// within each part first, so "~" unambiguously separates parts and "!"
// escapes both special characters.
func EscapeJoin(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		p = strings.ReplaceAll(p, "!", "!!")
		p = strings.ReplaceAll(p, "~", "!~")
		escaped[i] = p
	}
	return strings.Join(escaped, "~")
}

// OperationTopic returns the pub/sub channel name for operations on
// (docType, id): "operation" ⋄ type ⋄ id, escape-joined.
func OperationTopic(docType, id string) string {
	return EscapeJoin("operation", docType, id)
}
