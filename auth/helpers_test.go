package auth_test

import (
	"crypto/md5"
	"fmt"
	"strings"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/sip"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// computeExpected mirrors the server's verification formula so tests can
// build a credential that should pass, without depending on auth's
// unexported internals.
func computeExpected(c auth.Credentials, password string, method sip.RequestMethod) string {
	ha1 := md5hex(c.Username + ":" + c.Realm + ":" + password)
	return finishDigest(c, ha1, method)
}

func computeExpectedHA1(c auth.Credentials, ha1Prefixed string, method sip.RequestMethod) string {
	ha1 := strings.TrimPrefix(ha1Prefixed, "HA1!")
	return finishDigest(c, ha1, method)
}

func finishDigest(c auth.Credentials, ha1 string, method sip.RequestMethod) string {
	authMethod := method
	if method == sip.ACK {
		authMethod = sip.INVITE
	}
	ha2 := md5hex(string(authMethod) + ":" + c.URI)
	if c.QOP != "" {
		return md5hex(strings.Join([]string{ha1, c.Nonce, c.NC, c.Cnonce, c.QOP, ha2}, ":"))
	}
	return md5hex(strings.Join([]string{ha1, c.Nonce, ha2}, ":"))
}
