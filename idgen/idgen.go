// Package idgen provides pluggable ID generation for selfheal.
//
// Constructors across the module (observability, healing) accept a
// Generator, so the ID strategy is a startup-time decision.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used where a UUID is too verbose for log lines.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "evt_", "heal_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7: time-sortable, globally unique.
var Default Generator = UUIDv7()

// Attempt generates short IDs that tag one healing attempt across its log
// lines and events.
var Attempt Generator = Prefixed("heal_", NanoID(12))

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
