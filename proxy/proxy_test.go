package proxy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/proxy"
	"github.com/sipstack/sipstack/sip"
)

func TestStripPopsTopRoute(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "ignored.example.com"})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	req.AppendHeader(&sip.RouteHeader{
		Address: sip.Uri{Host: "p1.example.com"},
		Next:    &sip.RouteHeader{Address: sip.Uri{Host: "p2.example.com"}},
	})

	err := proxy.Strip(req)
	require.NoError(t, err)
	assert.Equal(t, "p1.example.com", req.Recipient.Host)
	require.NotNil(t, req.Route())
	assert.Equal(t, "p2.example.com", req.Route().Address.Host)
}

func TestStripRemovesRouteWhenLastHop(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "ignored.example.com"})
	req.AppendHeader(&sip.RouteHeader{Address: sip.Uri{Host: "p1.example.com"}})

	err := proxy.Strip(req)
	require.NoError(t, err)
	assert.Nil(t, req.Route())
}

func TestStripNoRouteErrors(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "example.com"})
	err := proxy.Strip(req)
	assert.ErrorIs(t, err, proxy.ErrNoRoute)
}

func TestStripTooManyHops(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "ignored.example.com"})
	mf := sip.MaxForwardsHeader(1)
	req.AppendHeader(&mf)
	req.AppendHeader(&sip.RouteHeader{Address: sip.Uri{Host: "p1.example.com"}})

	err := proxy.Strip(req)
	assert.ErrorIs(t, err, proxy.ErrTooManyHops)
}

type fakeResolver struct {
	conn sip.Connection
	err  error
}

func (f fakeResolver) Resolve(sip.ConnHandle) (sip.Connection, error) { return f.conn, f.err }

func TestResolveHopFallsBackWithoutFlowToken(t *testing.T) {
	conn, err := proxy.ResolveHop("alice", nil, fakeResolver{})
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestResolveHopUsesDecodedFlow(t *testing.T) {
	handle := sip.ConnHandle{Index: 5, Generation: 2}
	token := outbound.EncodeFlow(handle)
	_, err := proxy.ResolveHop(token, nil, fakeResolver{})
	require.NoError(t, err)
}

func TestResolveHopFlowFailed(t *testing.T) {
	handle := sip.ConnHandle{Index: 5, Generation: 2}
	token := outbound.EncodeFlow(handle)
	_, err := proxy.ResolveHop(token, nil, fakeResolver{err: &sip.ErrConnGone{Handle: handle}})
	assert.Error(t, err)
}
