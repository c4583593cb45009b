package registrar_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sipstack/sipstack/registrar"
	"github.com/sipstack/sipstack/sip"
)

func TestKeyForNonOutboundUsesAddressTuple(t *testing.T) {
	contact := sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}
	key := registrar.KeyFor(contact, false, "", 0)
	assert.False(t, key.Outbound)
	assert.Equal(t, "alice", key.User)
	assert.Equal(t, "10.0.0.5", key.Host)
	assert.Equal(t, "UDP", key.Transport)
}

func TestKeyForOutboundUsesInstanceHash(t *testing.T) {
	contact := sip.Uri{User: "alice", Host: "10.0.0.5"}
	k1 := registrar.KeyFor(contact, true, "<urn:uuid:aaaa>", 1)
	k2 := registrar.KeyFor(contact, true, "<urn:uuid:aaaa>", 1)
	k3 := registrar.KeyFor(contact, true, "<urn:uuid:bbbb>", 1)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.True(t, k1.Outbound)
}

func TestKeyForOutboundDifferentRegIDDiffers(t *testing.T) {
	contact := sip.Uri{User: "alice", Host: "10.0.0.5"}
	k1 := registrar.KeyFor(contact, true, "<urn:uuid:aaaa>", 1)
	k2 := registrar.KeyFor(contact, true, "<urn:uuid:aaaa>", 2)
	assert.NotEqual(t, k1, k2)
}
