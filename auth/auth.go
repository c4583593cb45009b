// Package auth implements the L7 digest authentication layer: challenge
// generation, nonce lifetime tracking, and verification of an incoming
// request's Authorization/Proxy-Authorization header (§4.8).
//
// The verification math follows the spec's literal formula directly via
// crypto/md5 rather than github.com/icholy/digest: that library's
// exported surface (Challenge/ParseChallenge/Digest/Options, as used by
// ../call's UAC auto-auth retry) is built for a client constructing a
// response to a challenge it received, not for a server validating a
// response it was sent — there is no "parse incoming Credentials and
// recompute HA1/HA2 to compare" entry point to reuse here.
package auth

import (
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipstack/sipstack/sip"
)

// Verdict is the outcome of Verify.
type Verdict int

const (
	// VerdictOK: the request's credentials are valid.
	VerdictOK Verdict = iota
	// VerdictInvalid: nonce not found but opaque matches this service —
	// client should retry with a fresh challenge (§4.8 "nonce miss but
	// matching opaque").
	VerdictInvalid
	// VerdictFailed: hard failure (no matching opaque, bad response, or no
	// stored password for the user).
	VerdictFailed
)

var (
	ErrNoPass            = errors.New("auth: no_pass")
	ErrInvalidAuthHeader = errors.New("auth: invalid_auth_header")
	ErrUnknownNonce      = errors.New("auth: unknown_nonce")
)

// nonceEntry is one row of the "time-bounded table keyed by (service,
// call-id, nonce) holding the requester IP" from §4.8.
type nonceEntry struct {
	requesterIP string
	expires     time.Time
}

type nonceKey struct {
	service string
	callID  string
	nonce   string
}

// Service is the per-host-application digest authenticator. One Service
// instance is shared by every call actor belonging to the same SIP
// service, matching §5's "the nonce table (TTL-bounded key/value store)"
// shared resource.
type Service struct {
	serviceID    string
	nonceTimeout time.Duration

	mu     sync.Mutex
	nonces map[nonceKey]nonceEntry
}

// NewService creates a digest authenticator for serviceID. nonceTimeout
// is the §6 "nonce_timeout" service option.
func NewService(serviceID string, nonceTimeout time.Duration) *Service {
	if nonceTimeout <= 0 {
		nonceTimeout = 5 * time.Minute
	}
	return &Service{
		serviceID:    serviceID,
		nonceTimeout: nonceTimeout,
		nonces:       make(map[nonceKey]nonceEntry),
	}
}

// Opaque returns the hash of the service id used as the challenge's
// `opaque` value (§4.8 "an `opaque` equal to a hash of the service id").
func (s *Service) Opaque() string {
	sum := md5.Sum([]byte(s.serviceID))
	return fmt.Sprintf("%x", sum)[:16]
}

// Challenge generates a fresh nonce for callID, records it in the nonce
// table against requesterIP, and returns the WWW-Authenticate /
// Proxy-Authenticate header value to attach to a 401/407.
func (s *Service) Challenge(callID, realm, requesterIP string) string {
	nonce := newNonce()

	s.mu.Lock()
	s.nonces[nonceKey{s.serviceID, callID, nonce}] = nonceEntry{
		requesterIP: requesterIP,
		expires:     time.Now().Add(s.nonceTimeout),
	}
	s.mu.Unlock()

	return fmt.Sprintf(`Digest realm="%s", nonce="%s", opaque="%s", algorithm=MD5, qop="auth"`, realm, nonce, s.Opaque())
}

func newNonce() string {
	buf := make([]byte, 24)
	sip.NonceWrite(buf)
	return string(buf)
}

// Credentials is a parsed Authorization/Proxy-Authorization header.
type Credentials struct {
	Username, Realm, Nonce, URI, Response string
	Algorithm, QOP, Cnonce, NC, Opaque    string
}

// ParseCredentials parses the raw header value of an Authorization or
// Proxy-Authorization header into its Digest fields.
func ParseCredentials(value string) (Credentials, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToLower(value), "digest") {
		return Credentials{}, ErrInvalidAuthHeader
	}
	value = strings.TrimSpace(value[len("Digest"):])

	fields := splitCredentialFields(value)
	c := Credentials{}
	for k, v := range fields {
		v = strings.Trim(v, `"`)
		switch strings.ToLower(k) {
		case "username":
			c.Username = v
		case "realm":
			c.Realm = v
		case "nonce":
			c.Nonce = v
		case "uri":
			c.URI = v
		case "response":
			c.Response = v
		case "algorithm":
			c.Algorithm = v
		case "qop":
			c.QOP = v
		case "cnonce":
			c.Cnonce = v
		case "nc":
			c.NC = v
		case "opaque":
			c.Opaque = v
		}
	}
	if c.Nonce == "" || c.Response == "" {
		return Credentials{}, ErrInvalidAuthHeader
	}
	return c, nil
}

func splitCredentialFields(s string) map[string]string {
	out := make(map[string]string)
	var depth int
	start := 0
	push := func(piece string) {
		kv := strings.SplitN(piece, "=", 2)
		if len(kv) != 2 {
			return
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	for i, r := range s {
		switch r {
		case '"':
			depth ^= 1
		case ',':
			if depth == 0 {
				push(s[start:i])
				start = i + 1
			}
		}
	}
	push(s[start:])
	return out
}

// PasswordSource resolves the stored password (or pre-hashed HA1, prefix
// "HA1!") for (user, realm), implementing the sip_get_user_pass result
// shape from §4.8/§6.
type PasswordSource func(user, realm string) (value string, ok bool)

// Verify implements §4.8's verification algorithm for method/uri against
// the Authorization-style credentials cred, using requesterIP to check
// against the stored nonce entry (waived for ACK per spec) and passwords
// from lookup.
func (s *Service) Verify(callID string, cred Credentials, method sip.RequestMethod, requesterIP string, lookup PasswordSource) Verdict {
	s.mu.Lock()
	entry, ok := s.nonces[nonceKey{s.serviceID, callID, cred.Nonce}]
	s.mu.Unlock()

	if !ok {
		if cred.Opaque == s.Opaque() {
			return VerdictInvalid
		}
		return VerdictFailed
	}
	if time.Now().After(entry.expires) {
		return VerdictFailed
	}
	if method != sip.ACK && entry.requesterIP != "" && requesterIP != "" && entry.requesterIP != requesterIP {
		return VerdictFailed
	}

	passValue, ok := lookup(cred.Username, cred.Realm)
	if !ok {
		return VerdictFailed
	}

	ha1 := ha1For(cred.Username, cred.Realm, passValue)

	authMethod := method
	if method == sip.ACK {
		authMethod = sip.INVITE
	}
	ha2 := md5Hex(string(authMethod) + ":" + cred.URI)

	var expected string
	if cred.QOP != "" {
		expected = md5Hex(strings.Join([]string{ha1, cred.Nonce, cred.NC, cred.Cnonce, cred.QOP, ha2}, ":"))
	} else {
		expected = md5Hex(strings.Join([]string{ha1, cred.Nonce, ha2}, ":"))
	}

	if expected != cred.Response {
		return VerdictFailed
	}
	return VerdictOK
}

// ha1For implements §4.8's "Stored passwords may be pre-hashed" rule.
func ha1For(user, realm, storedValue string) string {
	if strings.HasPrefix(storedValue, "HA1!") {
		return strings.TrimPrefix(storedValue, "HA1!")
	}
	return md5Hex(user + ":" + realm + ":" + storedValue)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// ExpireNonces drops nonce entries past their expiry, called periodically
// by the host application.
func (s *Service) ExpireNonces(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.nonces {
		if now.After(e.expires) {
			delete(s.nonces, k)
		}
	}
}

// RequesterIP extracts the bare IP from a "host:port" source string, as
// produced by sip.Request.Source(), falling back to the whole string if
// it doesn't parse (e.g. a bare hostname).
func RequesterIP(source string) string {
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

// NonceCountValid reports whether nc looks like a well-formed 8-hex-digit
// nonce count, used to reject malformed Authorization headers early.
func NonceCountValid(nc string) bool {
	if nc == "" {
		return true // nc is optional outside qop=auth
	}
	if len(nc) != 8 {
		return false
	}
	_, err := strconv.ParseUint(nc, 16, 32)
	return err == nil
}
