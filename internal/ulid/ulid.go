// Package ulid provides a type-safe wrapper around github.com/oklog/ulid/v2
// with prefixed identifiers for the different record kinds hearthsync stores.
//
// ULIDs are lexicographically sortable by creation time, which makes them a
// natural fit for queue ordering and database indexes.
package ulid

import (
	"bytes"
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common prefixes for the different parts of the application
const (
	// PrefixOperation is used for queued sync operations
	PrefixOperation = "op"

	// PrefixConflict is used for recorded conflicts
	PrefixConflict = "cf"

	// PrefixDocument is used for locally created documents
	PrefixDocument = "doc"

	// PrefixSync is used for sync cycle log entries
	PrefixSync = "sync"

	// PrefixDevice is used for the device identity
	PrefixDevice = "dev"

	// PrefixSetting is used for settings rows
	PrefixSetting = "set"

	// PrefixSeparator separates the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex

	// Nil represents the zero value of ULID, useful for nil checks
	Nil = ULID{ulid.ULID{}, ""}
)

// ULID wraps ulid.ULID with an optional prefix plus database/JSON integration.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// Parse parses a ULID string, handling both plain and prefixed forms
// (e.g. "op-01AN4Z07BY79KA1307SR9X4MV3").
func Parse(id string) (ULID, error) {
	parts := strings.SplitN(id, PrefixSeparator, 2)

	var rawID, prefix string
	if len(parts) == 2 {
		prefix = parts[0]
		rawID = parts[1]
	} else {
		rawID = id
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// Validate checks if a string is a valid (optionally prefixed) ULID.
func Validate(id string) bool {
	_, err := Parse(id)
	return err == nil
}

// Compare compares two ULIDs lexicographically, ignoring prefixes.
// Returns -1 if u < other, 1 if u > other, and 0 if they're equal.
func (u ULID) Compare(other ULID) int {
	return bytes.Compare(u.ULID[:], other.ULID[:])
}

// IsZero returns true if the ULID is the zero value (Nil).
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// String returns the string representation of the ULID.
// If the ULID has a prefix, it's included in the format "prefix-ulid".
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// MarshalJSON implements the json.Marshaler interface.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements the driver.Valuer interface for database serialization.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
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

// Domain-specific ID generation helpers

// OperationID generates a new ULID with the operation prefix
func OperationID() string {
	return GenerateWithPrefix(PrefixOperation).String()
}

// ConflictID generates a new ULID with the conflict prefix
func ConflictID() string {
	return GenerateWithPrefix(PrefixConflict).String()
}

// DocumentID generates a new ULID with the document prefix
func DocumentID() string {
	return GenerateWithPrefix(PrefixDocument).String()
}

// SyncID generates a new ULID with the sync prefix
func SyncID() string {
	return GenerateWithPrefix(PrefixSync).String()
}

// DeviceID generates a new ULID with the device prefix
func DeviceID() string {
	return GenerateWithPrefix(PrefixDevice).String()
}

// SettingID generates a new ULID with the setting prefix
func SettingID() string {
	return GenerateWithPrefix(PrefixSetting).String()
}
