package acid

import (
	"fmt"
	"strings"
)

// TokenKind discriminates the resource a Token names.
type TokenKind int

const (
	// KeyToken names an entire key (index) across all records.
	KeyToken TokenKind = iota + 1
	// RecordToken names a whole record.
	RecordToken
	// FieldToken names a key within one record.
	FieldToken
	// RangeToken names the value range of a key, used by Explore reads
	// and by writers to fence range readers.
	RangeToken
)

func (k TokenKind) String() string {
	switch k {
	case KeyToken:
		return "key"
	case RecordToken:
		return "record"
	case FieldToken:
		return "field"
	case RangeToken:
		return "range"
	}
	return "unknown"
}

// Token is an opaque identifier of a lockable/watchable resource. It is a
// value type with structural equality so it can key maps and ordered sets:
// two tokens are equal iff they name the same resource.
type Token struct {
	Kind   TokenKind `json:"kind"`
	Key    string    `json:"key,omitempty"`
	Record int64     `json:"record,omitempty"`
}

// TokenForKey returns the token naming key across all records.
func TokenForKey(key string) Token {
	return Token{Kind: KeyToken, Key: key}
}

// TokenForRecord returns the token naming the whole record.
func TokenForRecord(record int64) Token {
	return Token{Kind: RecordToken, Record: record}
}

// TokenForField returns the token naming key within record.
func TokenForField(key string, record int64) Token {
	return Token{Kind: FieldToken, Key: key, Record: record}
}

// TokenForRange returns the range token of key.
func TokenForRange(key string) Token {
	return Token{Kind: RangeToken, Key: key}
}

// Compare orders tokens deterministically (kind, then key, then record).
// Lock acquisition sorts by this order so concurrent committers never
// deadlock on each other.
func (t Token) Compare(o Token) int {
	if t.Kind != o.Kind {
		if t.Kind < o.Kind {
			return -1
		}
		return 1
	}
	if c := strings.Compare(t.Key, o.Key); c != 0 {
		return c
	}
	switch {
	case t.Record < o.Record:
		return -1
	case t.Record > o.Record:
		return 1
	}
	return 0
}

func (t Token) String() string {
	switch t.Kind {
	case KeyToken:
		return fmt.Sprintf("key:%s", t.Key)
	case RecordToken:
		return fmt.Sprintf("record:%d", t.Record)
	case FieldToken:
		return fmt.Sprintf("field:%s@%d", t.Key, t.Record)
	case RangeToken:
		return fmt.Sprintf("range:%s", t.Key)
	}
	return "token:unknown"
}
