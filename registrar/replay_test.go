package registrar_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/registrar"
	"github.com/sipstack/sipstack/sip"
)

func TestReplayReversesPath(t *testing.T) {
	b := &registrar.Binding{
		Path: []sip.Uri{
			{Host: "p1.example.com"},
			{Host: "p2.example.com"},
			{Host: "p3.example.com"},
		},
	}
	hdrs := registrar.Replay(b)
	require.Len(t, hdrs, 3)
	assert.Contains(t, hdrs[0].Value(), "p3.example.com")
	assert.Contains(t, hdrs[2].Value(), "p1.example.com")
}

type alwaysGoneResolver struct{ handle sip.ConnHandle }

func (r alwaysGoneResolver) Resolve(h sip.ConnHandle) (sip.Connection, error) {
	return nil, &sip.ErrConnGone{Handle: h}
}

func TestResolveFlowSurfacesFlowFailed(t *testing.T) {
	handle := sip.ConnHandle{Index: 1, Generation: 1}
	b := &registrar.Binding{Contact: sip.Uri{User: outbound.EncodeFlow(handle)}}
	outcome := registrar.ResolveFlow(b, alwaysGoneResolver{handle: handle})
	assert.Equal(t, outbound.RouteOutcomeFlowFailed, outcome)
}

func TestResolveFlowNoneForPlainContact(t *testing.T) {
	b := &registrar.Binding{Contact: sip.Uri{User: "alice"}}
	outcome := registrar.ResolveFlow(b, alwaysGoneResolver{})
	assert.Equal(t, outbound.RouteOutcomeNone, outcome)
}
