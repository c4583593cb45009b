package registrar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/registrar"
	"github.com/sipstack/sipstack/sip"
)

func baseRegister(t *testing.T) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: "example.com"})

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "10.0.0.5", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", "z9hG4bK"+"reg1")
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "fromtag1")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "alice", Host: "example.com"}})
	callID := sip.CallIDHeader("reg-call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	return req
}

func TestProcessPlainRegistrationCreatesBinding(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	contact := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact.Params.Add("expires", "3600")
	req.AppendHeader(contact)

	now := time.Unix(1000, 0)
	result := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{Index: 1, Generation: 1}, now)

	require.Equal(t, sip.StatusOK, result.Code)
	require.Len(t, result.Bindings, 1)
	assert.False(t, result.Bindings[0].Outbound)
	assert.False(t, result.RequireOutbound)
}

func TestProcessOutboundSingleViaRequiresOutbound(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	req.AppendHeader(sip.NewHeader("Supported", "outbound, path"))
	contact := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact.Params.Add("reg-id", "1")
	contact.Params.Add(`+sip.instance`, `<urn:uuid:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee>`)
	req.AppendHeader(contact)

	now := time.Unix(2000, 0)
	result := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{Index: 2, Generation: 1}, now)

	require.Equal(t, sip.StatusOK, result.Code)
	require.True(t, result.RequireOutbound)
	require.Len(t, result.Bindings, 1)
	assert.True(t, result.Bindings[0].Outbound)
	assert.Equal(t, 1, result.Bindings[0].RegID)
}

func TestProcessOutboundMultipleContactsRejected(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	req.AppendHeader(sip.NewHeader("Supported", "outbound"))
	c1 := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	c1.Params.Add("reg-id", "1")
	c2 := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.6", Port: 5060}, Params: sip.NewParams()}
	c1.Next = c2
	req.AppendHeader(c1)

	result := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{}, time.Unix(3000, 0))
	assert.Equal(t, sip.StatusBadRequest, result.Code)
}

func TestProcessNonFirstHopWithoutObIs439(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	// simulate a second Via hop (request traversed a proxy already)
	via := req.Via()
	via.Next = &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "10.0.0.9", Port: 5060}
	req.AppendHeader(sip.NewHeader("Supported", "outbound"))
	req.AppendHeader(sip.NewHeader("Path", "<sip:p3.example.com;lr>"))
	contact := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact.Params.Add("reg-id", "1")
	req.AppendHeader(contact)

	result := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{}, time.Unix(4000, 0))
	assert.Equal(t, sip.StatusFirstHopLacksOutbound, result.Code)
}

func TestProcessSingleRegIDAccepted(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	req.AppendHeader(sip.NewHeader("Supported", "outbound"))
	c1 := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	c1.Params.Add("reg-id", "1")
	req.AppendHeader(c1)

	result := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{}, time.Unix(5000, 0))
	require.Equal(t, sip.StatusOK, result.Code)
}

func TestReregisterSameInstanceReplacesBinding(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	req.AppendHeader(sip.NewHeader("Supported", "outbound"))
	contact := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact.Params.Add("reg-id", "1")
	contact.Params.Add("+sip.instance", "<urn:uuid:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee>")
	req.AppendHeader(contact)

	now := time.Unix(6000, 0)
	first := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{Index: 1}, now)
	require.Len(t, first.Bindings, 1)

	req2 := baseRegister(t)
	req2.AppendHeader(sip.NewHeader("Supported", "outbound"))
	contact2 := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.7", Port: 5060}, Params: sip.NewParams()}
	contact2.Params.Add("reg-id", "1")
	contact2.Params.Add("+sip.instance", "<urn:uuid:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee>")
	req2.AppendHeader(contact2)

	second := registrar.Process(store, "alice@example.com", req2, sip.ConnHandle{Index: 2}, now.Add(time.Second))
	require.Len(t, second.Bindings, 1)
	assert.Equal(t, "10.0.0.7", second.Bindings[0].Contact.Host)
}

func TestExpiresZeroRemovesBinding(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	contact := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact.Params.Add("expires", "3600")
	req.AppendHeader(contact)
	now := time.Unix(7000, 0)
	registrar.Process(store, "alice@example.com", req, sip.ConnHandle{}, now)

	req2 := baseRegister(t)
	contact2 := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact2.Params.Add("expires", "0")
	req2.AppendHeader(contact2)
	result := registrar.Process(store, "alice@example.com", req2, sip.ConnHandle{}, now.Add(time.Second))
	assert.Empty(t, result.Bindings)
}
