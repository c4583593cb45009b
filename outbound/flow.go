// Package outbound implements the L7 RFC 5626 "Outbound" plugin: flow
// token encode/decode, Path/Record-Route synthesis, and flow-failure
// detection (§4.7, §6 "Flow-token URI format", §9 Design Notes "Flow
// tokens").
package outbound

import (
	"encoding/base32"
	"fmt"
	"strconv"
	"strings"

	"github.com/sipstack/sipstack/sip"
)

const (
	// flowPrefix marks a URI user-part as carrying a live connection
	// reference, per §6.
	flowPrefix = "NkF"
	// branchPrefix marks a URI user-part as carrying a branch-derived
	// token instead (the "NkQ" variant, used when there is no live flow
	// to pin, e.g. a stateless hop).
	branchPrefix = "NkQ"
)

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeFlow renders handle as a flow-token URI user-part, §9's "opaque
// connection handle (index into a transport registry plus an
// epoch/generation counter)".
func EncodeFlow(handle sip.ConnHandle) string {
	return flowPrefix + tokenEncoding.EncodeToString([]byte(fmt.Sprintf("%d.%d", handle.Index, handle.Generation)))
}

// EncodeBranch renders a branch-derived token for the stateless "NkQ"
// variant (§4.7 "Header synthesis": "otherwise a branch-derived quoted-
// token NkQ<hash> is used").
func EncodeBranch(globalID, serviceID, branch string) string {
	h := fnv32Hex(globalID + "|" + serviceID + "|" + branch)
	return branchPrefix + h
}

func fnv32Hex(s string) string {
	const prime = 16777619
	var hash uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime
	}
	return strconv.FormatUint(uint64(hash), 16)
}

// ErrInvalidToken is returned by Decode when the user-part is not a flow
// token this module recognises (distinct from a recognised-but-dead
// flow, which surfaces as sip.ErrConnGone at the resolver).
var ErrInvalidToken = fmt.Errorf("outbound: invalid flow token")

// Decode extracts the ConnHandle embedded in a flow-token URI user-part.
// It returns ErrInvalidToken for a syntactically invalid token (§4.7
// "if the token is syntactically invalid, 403 Forbidden") and isFlow=false
// with a nil error for a user-part that isn't a flow token at all (the "NkQ"
// variant or an ordinary user).
func Decode(user string) (handle sip.ConnHandle, isFlow bool, err error) {
	if !strings.HasPrefix(user, flowPrefix) {
		return sip.ConnHandle{}, false, nil
	}
	raw, decErr := tokenEncoding.DecodeString(strings.TrimPrefix(user, flowPrefix))
	if decErr != nil {
		return sip.ConnHandle{}, true, ErrInvalidToken
	}
	parts := strings.SplitN(string(raw), ".", 2)
	if len(parts) != 2 {
		return sip.ConnHandle{}, true, ErrInvalidToken
	}
	idx, err1 := strconv.ParseUint(parts[0], 10, 32)
	gen, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return sip.ConnHandle{}, true, ErrInvalidToken
	}
	return sip.ConnHandle{Index: uint32(idx), Generation: uint32(gen)}, true, nil
}

// IsBranchToken reports whether user carries the stateless "NkQ" variant.
func IsBranchToken(user string) bool {
	return strings.HasPrefix(user, branchPrefix)
}

// Resolver turns a decoded ConnHandle back into a live connection. The
// host application's transport registry implements this; a dead slot (or
// a generation mismatch, meaning the slot was reused) returns
// *sip.ErrConnGone, which the caller surfaces as 430 Flow Failed (§4.7
// last paragraph, §9 "Flow tokens", §5 "Flow lifecycle").
type Resolver interface {
	Resolve(handle sip.ConnHandle) (sip.Connection, error)
}

// RouteOutcome classifies the result of ResolveRoute: no flow token, or
// the three outcomes named in §4.7's last paragraph and §7's "Outbound
// flow failures".
type RouteOutcome int

const (
	// RouteOutcomeNone: the top Route carries no flow token at all.
	RouteOutcomeNone RouteOutcome = iota
	// RouteOutcomeOK: a live connection was resolved.
	RouteOutcomeOK
	// RouteOutcomeFlowFailed: the token decoded but the connection is gone.
	RouteOutcomeFlowFailed
	// RouteOutcomeForbidden: the token was syntactically invalid.
	RouteOutcomeForbidden
)

// ResolveRoute decodes user (the top Route/Path user-part) as a flow
// token and resolves it through r.
func ResolveRoute(user string, r Resolver) (RouteOutcome, sip.Connection) {
	handle, isFlow, err := Decode(user)
	if !isFlow {
		return RouteOutcomeNone, nil
	}
	if err != nil {
		return RouteOutcomeForbidden, nil
	}
	conn, err := r.Resolve(handle)
	if err != nil {
		return RouteOutcomeFlowFailed, nil
	}
	return RouteOutcomeOK, conn
}
