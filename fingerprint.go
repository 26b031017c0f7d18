package querygate

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
	"unicode"

	"github.com/spaolacci/murmur3"
)

// Fingerprint identifies a query's cacheable result shape.
type Fingerprint string

// FingerprintOf derives the cache key for q. Whitespace runs outside string
// literals and trailing semicolons in the SQL do not change the fingerprint;
// parameter order does not either. Anything else does.
func FingerprintOf(q Query) Fingerprint {
	h := murmur3.New128()
	writeField(h, string(q.Kind))
	writeField(h, q.Datasource)
	writeField(h, NormalizeSQL(q.SQL))

	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeLen(h, len(keys))
	for _, k := range keys {
		writeField(h, k)
		writeField(h, q.Params[k])
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// writeField length-prefixes s so adjacent fields never run together.
func writeField(h hash.Hash, s string) {
	writeLen(h, len(s))
	h.Write([]byte(s))
}

func writeLen(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}

// NormalizeSQL collapses whitespace outside quoted literals and identifiers
// and strips trailing semicolons. Quoted text is kept byte for byte.
func NormalizeSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	var quote rune
	escaped, space := false, false
	for _, r := range sql {
		if quote != 0 {
			b.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
		if r == '\'' || r == '"' || r == '`' {
			quote = r
		}
	}

	s := b.String()
	if quote != 0 {
		// Unterminated literal: leave the tail alone.
		return s
	}
	return strings.TrimRight(s, "; ")
}

// AnnotateSQL prefixes sql with a comment naming the identity it runs for,
// so backend query logs can attribute the work.
func AnnotateSQL(identity Identity, sql string) string {
	if identity == "" {
		return sql
	}
	return "--run: " + commentSafe.Replace(string(identity)) + "\n" + sql
}

var commentSafe = strings.NewReplacer("\n", " ", "\r", " ")
