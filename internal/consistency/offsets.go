package consistency

import (
	"fmt"
	"strconv"
	"sync"
)

// WriteKind identifies the class of backend write a token was issued for.
type WriteKind int

const (
	UserUpdate WriteKind = iota + 1
	SubscriptionUpdate
)

func (k WriteKind) String() string {
	switch k {
	case UserUpdate:
		return "user_update"
	case SubscriptionUpdate:
		return "subscription_update"
	default:
		return fmt.Sprintf("write_kind(%d)", int(k))
	}
}

// ParseWriteKind is the inverse of String.
func ParseWriteKind(s string) (WriteKind, error) {
	switch s {
	case "user_update":
		return UserUpdate, nil
	case "subscription_update":
		return SubscriptionUpdate, nil
	default:
		return 0, fmt.Errorf("unknown write kind %q", s)
	}
}

// Token is a backend-assigned write offset. The zero value means
// "never observed", which is distinct from an observed offset of 0.
type Token struct {
	value int64
	ok    bool
}

// NoToken is the unobserved token.
var NoToken = Token{}

// TokenOf wraps an observed offset.
func TokenOf(v int64) Token {
	return Token{value: v, ok: true}
}

// Get returns the offset and whether it was observed.
func (t Token) Get() (int64, bool) {
	return t.value, t.ok
}

func (t Token) Valid() bool {
	return t.ok
}

func (t Token) String() string {
	if !t.ok {
		return "none"
	}
	return strconv.FormatInt(t.value, 10)
}

// Max returns the larger of two tokens; an observed token always beats an
// unobserved one.
func Max(a, b Token) Token {
	switch {
	case !a.ok:
		return b
	case !b.ok:
		return a
	case b.value > a.value:
		return b
	default:
		return a
	}
}

// Offsets is a snapshot of the tokens recorded for one owner.
type Offsets map[WriteKind]Token

// Get returns the token for kind, NoToken when absent.
func (o Offsets) Get(kind WriteKind) Token {
	if o == nil {
		return NoToken
	}
	return o[kind]
}

// OffsetTable maps owner keys to their recorded write tokens. Tokens never
// regress: a recorded value is only replaced by a larger one.
type OffsetTable struct {
	mu     sync.RWMutex
	owners map[string]Offsets
}

func NewOffsetTable() *OffsetTable {
	return &OffsetTable{owners: make(map[string]Offsets)}
}

// SetOffset records token for (ownerKey, kind). It reports whether the table
// changed. Unobserved tokens and tokens older than the recorded one are
// ignored.
func (t *OffsetTable) SetOffset(ownerKey string, kind WriteKind, token Token) bool {
	if !token.ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	offsets, ok := t.owners[ownerKey]
	if !ok {
		offsets = make(Offsets)
		t.owners[ownerKey] = offsets
	}

	current := offsets[kind]
	if current.ok && current.value >= token.value {
		return false
	}
	offsets[kind] = token
	return true
}

// Get returns a copy of the offsets recorded for ownerKey.
func (t *OffsetTable) Get(ownerKey string) Offsets {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src := t.owners[ownerKey]
	out := make(Offsets, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Forget drops every offset recorded for ownerKey.
func (t *OffsetTable) Forget(ownerKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.owners, ownerKey)
}
