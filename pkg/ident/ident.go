// Package ident allocates pool identifiers and maps them to shard paths.
//
// Identifiers are random type-4 UUIDs in canonical lowercase form. They
// carry no content information; the pool relies on their uniqueness, not
// on hashing, to name entries.
package ident

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ID names a stored entry.
type ID string

// shardDepth is the number of single-character directory levels between a
// tree root and an entry. Three levels keep leaf-directory fan-out bounded
// for hex-heavy identifiers.
const shardDepth = 3

// encodedLen is the length of a canonical hyphenated UUID string.
const encodedLen = 36

// New returns a fresh random identifier. It never fails: the underlying
// UUID source panics only if the OS entropy pool is unusable.
func New() ID {
	return ID(uuid.NewString())
}

// Valid reports whether id is a well-formed pool identifier: canonical
// lowercase hyphenated form, UUID version 4, RFC 4122 variant. Validity is
// purely syntactic; it says nothing about whether an entry exists.
func Valid(id ID) bool {
	s := string(id)
	if len(s) != encodedLen || s != strings.ToLower(s) {
		return false
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return parsed.Version() == 4 && parsed.Variant() == uuid.RFC4122
}

// ShardDir returns the directory that holds id's entry under root. The
// path is a pure function of the identifier: its first three characters
// become three nested single-character segments. No I/O is performed.
// Callers must validate id first (see Valid); ids shorter than the shard
// depth panic.
func ShardDir(root string, id ID) string {
	s := string(id)
	segs := make([]string, 0, shardDepth+1)
	segs = append(segs, root)
	for i := 0; i < shardDepth; i++ {
		segs = append(segs, s[i:i+1])
	}
	return filepath.Join(segs...)
}

// EntryPath returns the full path of id's entry under root. ShardDir's
// well-formedness precondition applies.
func EntryPath(root string, id ID) string {
	return filepath.Join(ShardDir(root, id), string(id))
}
