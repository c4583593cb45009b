package call

import (
	"fmt"

	"github.com/icholy/digest"

	"github.com/sipstack/sipstack/sip"
)

// UACCredentials is the username/password pair a fork branch retries a
// challenged request with, the client side of §4.8's digest exchange.
type UACCredentials struct {
	Username string
	Password string
}

// ApplyChallenge rewrites req in place with an Authorization or
// Proxy-Authorization header computed against the 401/407 carried in res,
// bumping CSeq the way a retried request must. It reports whether res
// carried a challenge at all; a false return with a nil error means res
// was not a challenge and req was left untouched.
func ApplyChallenge(req *sip.Request, res *sip.Response, cred UACCredentials) (bool, error) {
	switch res.StatusCode {
	case sip.StatusUnauthorized:
		return true, applyChallengeHeader(req, res, cred, "WWW-Authenticate", "Authorization")
	case sip.StatusProxyAuthRequired:
		return true, applyChallengeHeader(req, res, cred, "Proxy-Authenticate", "Proxy-Authorization")
	default:
		return false, nil
	}
}

func applyChallengeHeader(req *sip.Request, res *sip.Response, cred UACCredentials, challengeName, credName string) error {
	challengeHeader := res.GetHeader(challengeName)
	if challengeHeader == nil {
		return fmt.Errorf("call: no %s header present", challengeName)
	}

	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return fmt.Errorf("call: failed to parse %s: %w", challengeName, err)
	}
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	built, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return fmt.Errorf("call: failed to build digest response: %w", err)
	}

	req.RemoveHeader(credName)
	req.AppendHeader(sip.NewHeader(credName, built.String()))

	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return nil
}
