package cowdisk

import (
	"time"

	"github.com/google/uuid"
)

// ID is a thin wrapper over github.com/google/uuid.UUID. No other package of
// this module uses it, and it never appears in the on-disk format of §6,
// which identifies things by sector offset alone.
type ID uuid.UUID

// NilID is the zero-value ID.
var NilID ID

// IsNil reports whether id is the zero-value ID.
func (id ID) IsNil() bool {
	return id == NilID
}

// String returns the canonical string representation of id.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// NewID returns a new randomly generated ID, retrying briefly on entropy
// exhaustion. It panics only if every attempt fails, which should not happen
// under normal operation.
func NewID() ID {
	var err error
	for i := 0; i < 10; i++ {
		var u uuid.UUID
		u, err = uuid.NewRandom()
		if err == nil {
			return ID(u)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}
