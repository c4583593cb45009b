package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/sip"
)

func TestChallengeAndVerifyRoundTrip(t *testing.T) {
	svc := auth.NewService("svc1", time.Minute)
	challenge := svc.Challenge("call-1", "example.com", "10.0.0.1:5060")
	assert.Contains(t, challenge, `realm="example.com"`)

	nonce := extractParam(t, challenge, "nonce")

	cred := auth.Credentials{
		Username: "alice",
		Realm:    "example.com",
		Nonce:    nonce,
		URI:      "sip:bob@example.com",
		QOP:      "auth",
		NC:       "00000001",
		Cnonce:   "abcd1234",
	}
	cred.Response = computeExpected(cred, "secret", sip.INVITE)

	verdict := svc.Verify("call-1", cred, sip.INVITE, "10.0.0.1:5060", func(user, realm string) (string, bool) {
		return "secret", true
	})
	assert.Equal(t, auth.VerdictOK, verdict)
}

func TestVerifyFailsOnWrongResponse(t *testing.T) {
	svc := auth.NewService("svc1", time.Minute)
	challenge := svc.Challenge("call-1", "example.com", "10.0.0.1:5060")
	nonce := extractParam(t, challenge, "nonce")

	cred := auth.Credentials{
		Username: "alice", Realm: "example.com", Nonce: nonce,
		URI: "sip:bob@example.com", QOP: "auth", NC: "00000001", Cnonce: "x",
		Response: "deadbeef",
	}
	verdict := svc.Verify("call-1", cred, sip.INVITE, "10.0.0.1:5060", func(user, realm string) (string, bool) {
		return "secret", true
	})
	assert.Equal(t, auth.VerdictFailed, verdict)
}

func TestVerifyUnknownNonceWithMatchingOpaqueIsInvalid(t *testing.T) {
	svc := auth.NewService("svc1", time.Minute)
	cred := auth.Credentials{Nonce: "bogus", Response: "x", Opaque: svc.Opaque()}
	verdict := svc.Verify("call-1", cred, sip.INVITE, "", func(string, string) (string, bool) { return "", false })
	assert.Equal(t, auth.VerdictInvalid, verdict)
}

func TestParseCredentials(t *testing.T) {
	raw := `Digest username="alice", realm="example.com", nonce="n1", uri="sip:bob@example.com", response="abc123", qop=auth, nc=00000001, cnonce="xyz"`
	cred, err := auth.ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "sip:bob@example.com", cred.URI)
	assert.Equal(t, "auth", cred.QOP)
}

func TestHA1Prefix(t *testing.T) {
	svc := auth.NewService("svc1", time.Minute)
	challenge := svc.Challenge("call-2", "example.com", "")
	nonce := extractParam(t, challenge, "nonce")

	cred := auth.Credentials{
		Username: "alice", Realm: "example.com", Nonce: nonce,
		URI: "sip:bob@example.com", QOP: "auth", NC: "00000001", Cnonce: "c1",
	}
	cred.Response = computeExpectedHA1(cred, "HA1!deadbeefdeadbeefdeadbeefdeadbeef", sip.INVITE)

	verdict := svc.Verify("call-2", cred, sip.INVITE, "", func(string, string) (string, bool) {
		return "HA1!deadbeefdeadbeefdeadbeefdeadbeef", true
	})
	assert.Equal(t, auth.VerdictOK, verdict)
}

func extractParam(t *testing.T, header, key string) string {
	t.Helper()
	idx := strings.Index(header, key+`="`)
	require.NotEqual(t, -1, idx, "param %q not found in %q", key, header)
	rest := header[idx+len(key)+2:]
	end := strings.Index(rest, `"`)
	require.NotEqual(t, -1, end)
	return rest[:end]
}
