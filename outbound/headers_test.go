package outbound_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/sip"
)

func TestBuildPathCarriesFlowAndLr(t *testing.T) {
	local := outbound.LocalAddr{Host: "proxy.example.com", Port: 5060, Transport: "UDP"}
	h := sip.ConnHandle{Index: 3, Generation: 9}

	path := outbound.BuildPath(local, h, true)
	assert.Equal(t, "Path", path.Name())
	assert.Contains(t, path.Value(), "NkF")
	assert.Contains(t, path.Value(), ";lr")
	assert.Contains(t, path.Value(), ";ob")
}

func TestBuildPathWithoutOutboundOmitsOb(t *testing.T) {
	local := outbound.LocalAddr{Host: "proxy.example.com", Port: 5060}
	h := sip.ConnHandle{Index: 3, Generation: 9}

	path := outbound.BuildPath(local, h, false)
	assert.NotContains(t, path.Value(), ";ob")
}

func TestBuildRecordRouteAppliesToDialogForming(t *testing.T) {
	assert.True(t, outbound.RecordRoutes(sip.INVITE))
	assert.True(t, outbound.RecordRoutes(sip.SUBSCRIBE))
	assert.True(t, outbound.RecordRoutes(sip.NOTIFY))
	assert.True(t, outbound.RecordRoutes(sip.REFER))
	assert.False(t, outbound.RecordRoutes(sip.REGISTER))

	local := outbound.LocalAddr{Host: "proxy.example.com", Port: 5061, Transport: "TCP"}
	rr := outbound.BuildRecordRoute(local, sip.ConnHandle{Index: 1, Generation: 1}, true)
	assert.Contains(t, rr.Address.String(), "transport=tcp")
}

func TestTagContactAddsObAndInstance(t *testing.T) {
	c := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "ua.example.com"}}
	instance := outbound.NewInstanceID()

	outbound.TagContact(c, outbound.ContactTagOpts{Ob: true, RegID: 1, InstanceID: instance})

	val := c.Value()
	assert.Contains(t, val, ";ob")
	assert.Contains(t, val, "reg-id=1")
	assert.Contains(t, val, "+sip.instance=")
}

func TestNewInstanceIDIsUrnUUID(t *testing.T) {
	id := outbound.NewInstanceID()
	assert.Contains(t, id, "urn:uuid:")
}
