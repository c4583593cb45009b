package call_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/call"
	"github.com/sipstack/sipstack/sip"
)

func TestApplyChallengeAddsAuthorizationAndBumpsCSeq(t *testing.T) {
	req := testRequest(t, sip.INVITE)
	cseqBefore := req.CSeq().SeqNo

	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, sip.ReasonOf(sip.StatusUnauthorized), nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="abc123", algorithm=MD5, qop="auth"`))

	challenged, err := call.ApplyChallenge(req, res, call.UACCredentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.True(t, challenged)

	authHeader := req.GetHeader("Authorization")
	require.NotNil(t, authHeader)
	assert.True(t, strings.Contains(authHeader.Value(), `username="alice"`))
	assert.True(t, strings.Contains(authHeader.Value(), `realm="example.com"`))
	assert.True(t, strings.Contains(authHeader.Value(), `response="`))
	assert.Equal(t, cseqBefore+1, req.CSeq().SeqNo)
}

func TestApplyChallengeHandlesProxyAuthenticate(t *testing.T) {
	req := testRequest(t, sip.INVITE)
	res := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, sip.ReasonOf(sip.StatusProxyAuthRequired), nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="example.com", nonce="def456", qop="auth"`))

	challenged, err := call.ApplyChallenge(req, res, call.UACCredentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.True(t, challenged)
	assert.NotNil(t, req.GetHeader("Proxy-Authorization"))
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestApplyChallengeIgnoresNonChallengeResponse(t *testing.T) {
	req := testRequest(t, sip.INVITE)
	res := sip.NewResponseFromRequest(req, sip.StatusOK, sip.ReasonOf(sip.StatusOK), nil)

	challenged, err := call.ApplyChallenge(req, res, call.UACCredentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.False(t, challenged)
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestApplyChallengeErrorsWithoutChallengeHeader(t *testing.T) {
	req := testRequest(t, sip.INVITE)
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, sip.ReasonOf(sip.StatusUnauthorized), nil)

	_, err := call.ApplyChallenge(req, res, call.UACCredentials{Username: "alice", Password: "secret"})
	assert.Error(t, err)
}
