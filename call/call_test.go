package call_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/call"
	"github.com/sipstack/sipstack/sip"
)

type fakeConn struct {
	written chan sip.Message
}

func newFakeConn() *fakeConn { return &fakeConn{written: make(chan sip.Message, 64)} }

func (f *fakeConn) WriteMsg(msg sip.Message) error {
	select {
	case f.written <- msg:
	default:
	}
	return nil
}
func (f *fakeConn) TryClose() (bool, error)   { return false, nil }
func (f *fakeConn) LocalAddr() sip.Addr       { return sip.Addr{Hostname: "127.0.0.1", Port: 5060} }
func (f *fakeConn) RemoteAddr() sip.Addr      { return sip.Addr{Hostname: "127.0.0.1", Port: 5070} }
func (f *fakeConn) Transport() string         { return "UDP" }
func (f *fakeConn) Handle() sip.ConnHandle    { return sip.ConnHandle{Index: 1, Generation: 1} }

func testRequest(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()
	uri := sip.Uri{User: "bob", Host: "example.com", Port: 5060}
	req := sip.NewRequest(method, uri)
	req.SipVersion = "SIP/2.0"
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "127.0.0.1", Port: 5070,
		Params: func() sip.HeaderParams { p := sip.NewParams(); p.Add("branch", sip.GenerateBranch()); return p }(),
	})
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(8))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.NewParams()})
	callID := sip.CallIDHeader(sip.GenerateTagN(16))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.AppendHeader(&sip.MaxForwardsHeader{})
	return req
}

func TestCallAcceptsInfoWorkItem(t *testing.T) {
	conn := newFakeConn()
	c := call.New("svc", "call-1", call.Config{Conn: conn})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	require.NoError(t, c.Deliver(call.Info{Note: "hello"}))
}

func TestCallProcessesIncomingOptionsToOK(t *testing.T) {
	conn := newFakeConn()
	c := call.New("svc", "call-2", call.Config{Conn: conn})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	req := testRequest(t, sip.OPTIONS)
	require.NoError(t, c.Deliver(call.Incoming{Msg: req, Conn: conn}))

	select {
	case msg := <-conn.written:
		res, ok := msg.(*sip.Response)
		require.True(t, ok)
		assert.Equal(t, sip.StatusOK, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestCallCreatesDialogOnInvite(t *testing.T) {
	conn := newFakeConn()
	c := call.New("svc", "call-3", call.Config{Conn: conn, No100: true})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	req := testRequest(t, sip.INVITE)
	require.NoError(t, c.Deliver(call.Incoming{Msg: req, Conn: conn}))

	var found bool
	require.Eventually(t, func() bool {
		select {
		case msg := <-conn.written:
			res, ok := msg.(*sip.Response)
			if ok && res.StatusCode == sip.StatusOK {
				found = true
				return true
			}
			return false
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.True(t, found)

	done := make(chan bool, 1)
	require.NoError(t, c.Deliver(call.ApplyToMessage{Fn: func(cc *call.Call) {
		done <- true
	}}))
	<-done
}
