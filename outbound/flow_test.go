package outbound_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/sip"
)

func TestEncodeDecodeFlowRoundTrip(t *testing.T) {
	handle := sip.ConnHandle{Index: 7, Generation: 42}
	token := outbound.EncodeFlow(handle)
	assert.NotContains(t, token, ".")

	got, isFlow, err := outbound.Decode(token)
	require.NoError(t, err)
	assert.True(t, isFlow)
	assert.Equal(t, handle, got)
}

func TestDecodeNonFlowUser(t *testing.T) {
	_, isFlow, err := outbound.Decode("alice")
	require.NoError(t, err)
	assert.False(t, isFlow)
}

func TestDecodeInvalidToken(t *testing.T) {
	_, isFlow, err := outbound.Decode("NkF!!!not-base32!!!")
	assert.True(t, isFlow)
	assert.ErrorIs(t, err, outbound.ErrInvalidToken)
}

func TestBranchTokenIsNotAFlow(t *testing.T) {
	tok := outbound.EncodeBranch("g1", "svc1", "z9hG4bKabc")
	assert.True(t, outbound.IsBranchToken(tok))
	_, isFlow, err := outbound.Decode(tok)
	require.NoError(t, err)
	assert.False(t, isFlow)
}

type fakeResolver struct {
	conn sip.Connection
	err  error
}

func (f fakeResolver) Resolve(sip.ConnHandle) (sip.Connection, error) { return f.conn, f.err }

func TestResolveRouteOutcomes(t *testing.T) {
	handle := sip.ConnHandle{Index: 1, Generation: 1}
	token := outbound.EncodeFlow(handle)

	outcome, _ := outbound.ResolveRoute("alice", fakeResolver{})
	assert.Equal(t, outbound.RouteOutcomeNone, outcome)

	outcome, _ = outbound.ResolveRoute("NkF***", fakeResolver{})
	assert.Equal(t, outbound.RouteOutcomeForbidden, outcome)

	outcome, _ = outbound.ResolveRoute(token, fakeResolver{err: &sip.ErrConnGone{Handle: handle}})
	assert.Equal(t, outbound.RouteOutcomeFlowFailed, outcome)

	outcome, conn := outbound.ResolveRoute(token, fakeResolver{conn: nil})
	assert.Equal(t, outbound.RouteOutcomeOK, outcome)
	assert.Nil(t, conn)
}
