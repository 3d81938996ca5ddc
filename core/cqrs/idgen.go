package cqrs

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator produces identifiers for envelopes, commands and queries.
// Injected everywhere IDs are minted so domain code stays deterministic
// under test.
type IDGenerator interface {
	NewID() string
}

type IDGeneratorFunc func() string

func (f IDGeneratorFunc) NewID() string { return f() }

// UUIDs returns the default generator: random v4 UUIDs.
func UUIDs() IDGenerator { return IDGeneratorFunc(uuid.NewString) }

// NanoIDs returns a generator for short URL-safe ids, used for ephemeral
// names such as consumer and relay instances.
func NanoIDs() IDGenerator {
	return IDGeneratorFunc(func() string { return gonanoid.Must() })
}

// SequentialIDs yields prefix-1, prefix-2, ... for deterministic tests.
func SequentialIDs(prefix string) IDGenerator {
	var n atomic.Uint64
	return IDGeneratorFunc(func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	})
}
