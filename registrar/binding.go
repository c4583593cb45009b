// Package registrar implements the L7 Registrar: the reg_contact binding
// store, reg-id/instance-id indexing, RFC 5626 outbound-mode detection, and
// Path replay on lookup (§4.7 "Registrar").
package registrar

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sipstack/sipstack/sip"
)

// Binding is one reg_contact row: a single registered Contact for an AOR,
// keyed either by outbound identity or by plain transport address (§3
// "Registrar binding").
type Binding struct {
	// Key identifies this binding for replace-on-reregister (§4.7
	// "Re-registration from the same instance+reg-id replaces the prior
	// binding").
	Key Key

	Contact   sip.Uri
	Path      []sip.Uri
	CallID    string
	CSeq      uint32
	Expires   time.Time
	Outbound  bool
	RegID     int
	Instance  string
	Transport sip.ConnHandle

	refreshed time.Time
}

// Key is the binding's dedup/replace identity: outbound bindings use
// (ob, hash(instance-id), reg-id); non-outbound bindings use
// (scheme, transport, user, host, port), per §4.7.
type Key struct {
	Outbound     bool
	InstanceHash string
	RegID        int

	Scheme    string
	Transport string
	User      string
	Host      string
	Port      int
}

// KeyFor builds the dedup key for contact given the outbound-mode facts
// established for this REGISTER.
func KeyFor(contact sip.Uri, outbound bool, instanceID string, regID int) Key {
	if outbound {
		return Key{Outbound: true, InstanceHash: hashInstance(instanceID), RegID: regID}
	}
	tp := contact.UriParams.GetOr("transport", "UDP")
	return Key{
		Scheme:    schemeOf(contact),
		Transport: strings.ToUpper(tp),
		User:      contact.User,
		Host:      contact.Host,
		Port:      contact.Port,
	}
}

func schemeOf(u sip.Uri) string {
	if u.Encrypted {
		return "sips"
	}
	return "sip"
}

func hashInstance(instanceID string) string {
	sum := sha1.Sum([]byte(instanceID))
	return hex.EncodeToString(sum[:])
}

func (k Key) String() string {
	if k.Outbound {
		return fmt.Sprintf("ob:%s:%d", k.InstanceHash, k.RegID)
	}
	return fmt.Sprintf("%s:%s:%s@%s:%d", k.Scheme, k.Transport, k.User, k.Host, k.Port)
}
