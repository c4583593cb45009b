package call_test

import (
	"crypto/md5"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/call"
	"github.com/sipstack/sipstack/sip"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func extractParam(header, key string) string {
	idx := strings.Index(header, key+`="`)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(key)+2:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func TestCallChallengesInviteWithoutCredentials(t *testing.T) {
	conn := newFakeConn()
	svc := auth.NewService("svc", time.Minute)
	c := call.New("svc", "call-auth-1", call.Config{Conn: conn, Auth: svc, Realm: "example.com", No100: true})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	req := testRequest(t, sip.INVITE)
	require.NoError(t, c.Deliver(call.Incoming{Msg: req, Conn: conn}))

	select {
	case msg := <-conn.written:
		res, ok := msg.(*sip.Response)
		require.True(t, ok)
		assert.Equal(t, sip.StatusUnauthorized, res.StatusCode)
		assert.NotNil(t, res.GetHeader("WWW-Authenticate"))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for challenge")
	}
}

func TestCallAcceptsInviteWithValidCredentials(t *testing.T) {
	conn := newFakeConn()
	svc := auth.NewService("svc", time.Minute)

	getUserPass := func(user, realm string, req *sip.Request, c *call.Call) call.UserPassResult {
		return call.UserPassResult{Verdict: call.UserPassPlain, Value: "secret"}
	}

	c := call.New("svc", "call-auth-2", call.Config{
		Conn: conn, Auth: svc, Realm: "example.com", No100: true,
		Callbacks: call.Callbacks{GetUserPass: getUserPass},
	})
	defer func() {
		require.NoError(t, c.Deliver(call.Crash{Reason: assert.AnError}))
		<-c.Stopped()
	}()

	req := testRequest(t, sip.INVITE)
	require.NoError(t, c.Deliver(call.Incoming{Msg: req, Conn: conn}))

	var challenge string
	select {
	case msg := <-conn.written:
		res := msg.(*sip.Response)
		require.Equal(t, sip.StatusUnauthorized, res.StatusCode)
		challenge = res.GetHeader("WWW-Authenticate").Value()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for challenge")
	}

	nonce := extractParam(challenge, "nonce")
	ha1 := md5hex("bob:example.com:secret")
	ha2 := md5hex("INVITE:" + req.Recipient.String())
	response := md5hex(strings.Join([]string{ha1, nonce, "00000001", "abcd", "auth", ha2}, ":"))

	req2 := testRequest(t, sip.INVITE)
	*req2.CallID() = *req.CallID()
	authHeader := fmt.Sprintf(
		`Digest username="bob", realm="example.com", nonce="%s", uri="%s", response="%s", qop=auth, nc=00000001, cnonce="abcd"`,
		nonce, req.Recipient.String(), response,
	)
	req2.AppendHeader(sip.NewHeader("Authorization", authHeader))

	require.NoError(t, c.Deliver(call.Incoming{Msg: req2, Conn: conn}))

	select {
	case msg := <-conn.written:
		res := msg.(*sip.Response)
		assert.Equal(t, sip.StatusOK, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}
}
