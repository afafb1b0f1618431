// Package ulid wraps github.com/oklog/ulid/v2 with prefixed identifiers
// used for sync runs, request tracing and operation idempotency keys.
//
// ULIDs sort lexicographically by creation time, so run ids listed in
// string order are also listed in the order the runs started.
package ulid

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// PrefixRun marks sync run ids
	PrefixRun = "run"

	// PrefixOperation marks idempotency keys of queued operations
	PrefixOperation = "op"

	// PrefixRequest marks request ids attached to log contexts
	PrefixRequest = "req"

	// PrefixSeparator separates the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// ULID is a ulid.ULID with an optional textual prefix. It is stored in the
// database as its string form.
type ULID struct {
	ulid.ULID
	prefix string
}

// GenerateWithPrefix creates a new ULID with the given prefix. Ids generated
// within the same millisecond are monotonically increasing.
func GenerateWithPrefix(prefix string) ULID {
	return newWithTime(time.Now(), prefix)
}

func newWithTime(t time.Time, prefix string) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, prefix}
}

// Parse parses a plain ("01AN4Z07BY79KA1307SR9X4MV3") or prefixed
// ("run-01AN4Z07BY79KA1307SR9X4MV3") ULID string.
func Parse(id string) (ULID, error) {
	prefix, raw, found := strings.Cut(id, PrefixSeparator)
	if !found {
		raw = id
		prefix = ""
	}

	parsed, err := ulid.Parse(raw)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// IsZero reports whether u is the zero ULID.
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the prefix, if any.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns "prefix-ULID" or the bare ULID when there is no prefix.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Value implements driver.Valuer. ULIDs are stored as text.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// RunID returns a new sync run id
func RunID() ULID {
	return GenerateWithPrefix(PrefixRun)
}

// OperationKey returns a new idempotency key for a queued operation
func OperationKey() ULID {
	return GenerateWithPrefix(PrefixOperation)
}

// RequestID returns a new request id
func RequestID() ULID {
	return GenerateWithPrefix(PrefixRequest)
}
