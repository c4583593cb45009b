package call_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/call"
	"github.com/sipstack/sipstack/sip"
)

func drainNonCancel(t *testing.T, conn *fakeConn, timeout time.Duration) *sip.Request {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-conn.written:
			req, ok := msg.(*sip.Request)
			if ok && req.Method == sip.CANCEL {
				return req
			}
		case <-deadline:
			return nil
		}
	}
}

func keyOf(t *testing.T, req *sip.Request) string {
	t.Helper()
	key, err := sip.ClientTxKeyMake(req)
	require.NoError(t, err)
	return key
}

// A CANCEL requested while the UAC transaction is still in "calling" must
// not go out until a provisional response arrives (RFC 3261 9.1); once it does, the
// CANCEL it sends must carry the same branch and Call-ID as the INVITE.
func TestHandleSendCancelDefersUntilProvisional(t *testing.T) {
	conn := newFakeConn()
	c := call.New("svc", "cancel-call-1", call.Config{Conn: conn})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	invite := testRequest(t, sip.INVITE)
	txKey := keyOf(t, invite)

	require.NoError(t, c.Deliver(call.SendRequest{Req: invite}))
	require.NoError(t, c.Deliver(call.SendCancel{TxKey: txKey}))

	// No CANCEL yet: the transaction never left "calling".
	require.Nil(t, drainNonCancel(t, conn, 100*time.Millisecond))

	ringing := sip.NewResponseFromRequest(invite, sip.StatusRinging, sip.ReasonOf(sip.StatusRinging), nil)
	require.NoError(t, c.Deliver(call.Incoming{Msg: ringing, Conn: conn}))

	cancelReq := drainNonCancel(t, conn, time.Second)
	require.NotNil(t, cancelReq, "expected a deferred CANCEL once the 1xx arrived")
	assert.Equal(t, invite.CallID().Value(), cancelReq.CallID().Value())
	inviteBranch, _ := invite.Via().Params.Get("branch")
	cancelBranch, _ := cancelReq.Via().Params.Get("branch")
	assert.Equal(t, inviteBranch, cancelBranch)
}

// A CANCEL requested once the transaction already reached "proceeding"
// goes out immediately.
func TestHandleSendCancelImmediateWhenProceeding(t *testing.T) {
	conn := newFakeConn()
	c := call.New("svc", "cancel-call-2", call.Config{Conn: conn})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	invite := testRequest(t, sip.INVITE)
	txKey := keyOf(t, invite)

	require.NoError(t, c.Deliver(call.SendRequest{Req: invite}))

	ringing := sip.NewResponseFromRequest(invite, sip.StatusRinging, sip.ReasonOf(sip.StatusRinging), nil)
	require.NoError(t, c.Deliver(call.Incoming{Msg: ringing, Conn: conn}))

	require.NoError(t, c.Deliver(call.SendCancel{TxKey: txKey}))

	cancelReq := drainNonCancel(t, conn, time.Second)
	require.NotNil(t, cancelReq, "expected an immediate CANCEL once proceeding")
	assert.Equal(t, invite.CallID().Value(), cancelReq.CallID().Value())
}
