// Package auth implements the authentication lookup described in the repodata
// subsystem design: a map from URL prefix to credential, matched with a
// "prefix weakening" scheme so a credential stored for "mamba.org/private"
// also authenticates "mamba.org/private/channel" but never "mamba.org/public".
package auth

import "strings"

// Credential is the sum type of supported authentication schemes.
type Credential interface {
	isCredential()
}

// BasicAuth is a username/password pair, typically embedded in the URL.
type BasicAuth struct {
	User     string
	Password string
}

func (BasicAuth) isCredential() {}

// BearerToken is sent in the HTTP Authorization header.
type BearerToken struct {
	Token string
}

func (BearerToken) isCredential() {}

// CondaToken is injected into the request path as "/t/<token>/".
type CondaToken struct {
	Token string
}

func (CondaToken) isCredential() {}

// DB is a read-only-after-construction authentication database. Per the
// concurrency model, concurrent reads are always safe; DB never mutates
// itself after New returns.
type DB struct {
	entries map[string]Credential
}

// New builds a DB from a prefix -> Credential map. The map is copied, so
// later mutation of entries by the caller has no effect on the returned DB.
func New(entries map[string]Credential) *DB {
	db := &DB{entries: make(map[string]Credential, len(entries))}
	for k, v := range entries {
		db.entries[k] = v
	}

	return db
}

// Lookup finds the credential for prefix, with no weakening: the key must
// match url exactly.
func (db *DB) Lookup(url string) (Credential, bool) {
	c, ok := db.entries[url]

	return c, ok
}

// LookupWeakened finds the credential whose stored prefix matches url,
// progressively weakening url by stripping trailing path segments and then
// trailing slashes until a stored key matches or no further weakening is
// possible.
func (db *DB) LookupWeakened(url string) (Credential, bool) {
	if db == nil {
		return nil, false
	}

	if c, ok := db.entries[url]; ok {
		return c, true
	}

	key := firstWeakenKey(url)

	for {
		if c, ok := db.entries[key]; ok {
			return c, true
		}

		next, ok := weaken(key)
		if !ok {
			return nil, false
		}

		key = next
	}
}

// firstWeakenKey normalizes url to end with a trailing slash, the starting
// point of the weakening chain.
func firstWeakenKey(url string) string {
	if strings.HasSuffix(url, "/") {
		return url
	}

	return url + "/"
}

// weaken produces the next, strictly weaker prefix: stripping a trailing
// slash if present, otherwise cutting back to (and keeping) the previous
// path separator. It reports false once key has no further path segment to
// strip.
func weaken(key string) (string, bool) {
	if strings.HasSuffix(key, "/") {
		return strings.TrimSuffix(key, "/"), true
	}

	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", false
	}

	return key[:idx+1], true
}
