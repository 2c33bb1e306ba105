// Package idgen provides pluggable ID generation for the esquisse renderer.
//
// Every component that mints identifiers (render sessions, stream sessions,
// hydration targets, safety locks, alerts) accepts a Generator, so the ID
// strategy is a startup-time decision rather than a compile-time one. The
// prefix convention keeps log lines and API payloads self-describing:
//
//	rs_  render session     ss_  stream session
//	ck_  chunk              sk_  skeleton config
//	hy_  hydration session  ht_  hydration target
//	lz_  lazy-load target   sc_  safety context
//	lk_  safety lock        br_  barrier
//	ft_  fallback trigger   vl_  violation
//	al_  alert              oa_  optimization action
//	au_  audit entry
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so session listings order by creation without a sort key.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Use where UUIDv7 is too verbose (skeleton section ids, spill file names).
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		b := make([]byte, length)
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequential returns a Generator that produces "prefix1", "prefix2", ...
// Deterministic; intended for tests that assert on identifiers.
func Sequential(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is the ecosystem default: UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form or an error.
// Prefixed IDs must have the prefix stripped by the caller first.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
