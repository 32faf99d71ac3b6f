package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mamba-org/reposhard/pkg/reposhard/auth"
)

func TestDB_LookupWeakened_BarePrefix(t *testing.T) {
	t.Parallel()

	db := auth.New(map[string]auth.Credential{
		"mamba.org": auth.BearerToken{Token: "mytoken"},
	})

	_, ok := db.Lookup("mamba.org")
	assert.True(t, ok)

	_, ok = db.Lookup("mamba.org/")
	assert.False(t, ok)

	assert.True(t, weakened(db, "mamba.org"))
	assert.True(t, weakened(db, "mamba.org/"))
	assert.True(t, weakened(db, "mamba.org/channel"))
	assert.False(t, weakened(db, "repo.mamba.org"))
	assert.False(t, weakened(db, "/folder"))
}

func TestDB_LookupWeakened_TrailingSlashPrefix(t *testing.T) {
	t.Parallel()

	db := auth.New(map[string]auth.Credential{
		"mamba.org/": auth.BearerToken{Token: "mytoken"},
	})

	_, ok := db.Lookup("mamba.org/")
	assert.True(t, ok)

	_, ok = db.Lookup("mamba.org")
	assert.False(t, ok)

	assert.True(t, weakened(db, "mamba.org"))
	assert.True(t, weakened(db, "mamba.org/"))
	assert.True(t, weakened(db, "mamba.org/channel"))
	assert.False(t, weakened(db, "repo.mamba.org/"))
	assert.False(t, weakened(db, "/folder"))
}

func TestDB_LookupWeakened_ChannelPrefix(t *testing.T) {
	t.Parallel()

	db := auth.New(map[string]auth.Credential{
		"mamba.org/channel": auth.BearerToken{Token: "mytoken"},
	})

	_, ok := db.Lookup("mamba.org/channel")
	assert.True(t, ok)

	_, ok = db.Lookup("mamba.org")
	assert.False(t, ok)

	assert.False(t, weakened(db, "mamba.org"))
	assert.False(t, weakened(db, "mamba.org/"))
	assert.True(t, weakened(db, "mamba.org/channel"))
	assert.False(t, weakened(db, "repo.mamba.org/"))
	assert.False(t, weakened(db, "/folder"))
}

func TestDB_LookupWeakened_DistinguishesSiblingPaths(t *testing.T) {
	t.Parallel()

	db := auth.New(map[string]auth.Credential{
		"mamba.org/private": auth.BasicAuth{User: "u", Password: "p"},
	})

	assert.True(t, weakened(db, "mamba.org/private/channel"))
	assert.False(t, weakened(db, "mamba.org/public"))
}

func weakened(db *auth.DB, url string) bool {
	_, ok := db.LookupWeakened(url)

	return ok
}
