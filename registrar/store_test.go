package registrar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/registrar"
)

func TestStoreUpsertOrdersMostRecentFirst(t *testing.T) {
	store := registrar.NewStore()
	now := time.Unix(1000, 0)

	b1 := &registrar.Binding{Key: registrar.Key{User: "a"}, Expires: now.Add(time.Hour)}
	b2 := &registrar.Binding{Key: registrar.Key{User: "b"}, Expires: now.Add(time.Hour)}
	store.Upsert("alice@example.com", b1)
	store.Upsert("alice@example.com", b2)

	bindings := store.Find("alice@example.com", now)
	require.Len(t, bindings, 2)
	assert.Equal(t, "b", bindings[0].Key.User)
}

func TestStoreUpsertReplacesSameKey(t *testing.T) {
	store := registrar.NewStore()
	now := time.Unix(1000, 0)
	key := registrar.Key{User: "a"}

	store.Upsert("alice@example.com", &registrar.Binding{Key: key, Expires: now.Add(time.Hour), CallID: "call-1"})
	store.Upsert("alice@example.com", &registrar.Binding{Key: key, Expires: now.Add(time.Hour), CallID: "call-2"})

	bindings := store.Find("alice@example.com", now)
	require.Len(t, bindings, 1)
	assert.Equal(t, "call-2", bindings[0].CallID)
}

func TestStoreFindDropsExpired(t *testing.T) {
	store := registrar.NewStore()
	now := time.Unix(1000, 0)
	store.Upsert("alice@example.com", &registrar.Binding{Key: registrar.Key{User: "a"}, Expires: now.Add(-time.Second)})

	bindings := store.Find("alice@example.com", now)
	assert.Empty(t, bindings)
}

func TestStoreRemove(t *testing.T) {
	store := registrar.NewStore()
	now := time.Unix(1000, 0)
	key := registrar.Key{User: "a"}
	store.Upsert("alice@example.com", &registrar.Binding{Key: key, Expires: now.Add(time.Hour)})
	store.Remove("alice@example.com", key)

	assert.Empty(t, store.Find("alice@example.com", now))
}

func TestExpireAllSweepsEmptyAORs(t *testing.T) {
	store := registrar.NewStore()
	now := time.Unix(1000, 0)
	store.Upsert("alice@example.com", &registrar.Binding{Key: registrar.Key{User: "a"}, Expires: now.Add(-time.Second)})

	store.ExpireAll(now)
	assert.Empty(t, store.Find("alice@example.com", now))
}
