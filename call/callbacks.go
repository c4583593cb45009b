package call

import "github.com/sipstack/sipstack/sip"

// AuthResult is the result of a sip_authorize callback invocation.
type AuthResult struct {
	Verdict AuthVerdict
	Realm   string
}

type AuthVerdict int

const (
	AuthOK AuthVerdict = iota
	AuthForbidden
	AuthChallenge
	AuthProxyChallenge
)

// AuthorizeFunc is the host application's sip_authorize callback (§4.4
// step 1). authData carries whatever the digest layer pre-parsed out of
// the request's Authorization/Proxy-Authorization headers.
type AuthorizeFunc func(authData any, req *sip.Request, c *Call) AuthResult

// RouteVerdict is the action a sip_route callback selects (§4.4 step 2).
type RouteVerdict int

const (
	RouteReply RouteVerdict = iota
	RouteReplyStateless
	RouteProcess
	RouteProcessStateless
	RouteProxy
	RouteProxyStateless
	RouteStrictProxy
)

// RouteResult is returned by a RouteFunc. Code/Reason are used for
// RouteReply/RouteReplyStateless (an empty Reason takes the code's default
// phrase); URIs for RouteProxy/RouteProxyStateless;
// Opts is carried through to the fork engine (e.g. follow_redirects).
type RouteResult struct {
	Verdict RouteVerdict
	Code    int
	Reason  string
	URIs    []sip.Uri
	Opts    ForkOpts
}

// RouteFunc is the host application's sip_route callback.
type RouteFunc func(scheme, user, host string, req *sip.Request, c *Call) RouteResult

// CancelFunc notifies the host that a CANCEL matched an INVITE transaction.
// It is observational only: the stack always replies 200/487 regardless.
type CancelFunc func(invite, cancel *sip.Request, c *Call)

// UserPassVerdict is returned by a GetUserPassFunc.
type UserPassVerdict int

const (
	UserPassDenied UserPassVerdict = iota
	UserPassPlain
	UserPassHA1
)

// UserPassResult carries the password (or precomputed HA1, prefixed
// "HA1!" per §4.8) the digest layer should verify against.
type UserPassResult struct {
	Verdict UserPassVerdict
	Value   string
}

// GetUserPassFunc is the host application's sip_get_user_pass callback.
type GetUserPassFunc func(user, realm string, req *sip.Request, c *Call) UserPassResult

// RegisterFunc is the host application's REGISTER handler, the hook point
// through which package registrar is wired into a process-routed REGISTER
// (§4.4 step 3, §4.7 "Registrar"). It must build and return the final
// response; the call actor sends it through stx verbatim.
type RegisterFunc func(req *sip.Request, recvHandle sip.ConnHandle, c *Call) *sip.Response

// Callbacks bundles every host-application hook a Call invokes. A nil
// field is treated as "not implemented": Authorize nil ⇒ AuthOK, or the
// built-in digest check when Config.Auth is set;
// Route nil ⇒ always RouteProcess; Cancel nil ⇒ no-op;
// GetUserPass nil ⇒ always UserPassDenied; Register nil ⇒ REGISTER falls
// through to the generic 200 OK a process-routed non-dialog request gets.
type Callbacks struct {
	Authorize   AuthorizeFunc
	Route       RouteFunc
	Cancel      CancelFunc
	GetUserPass GetUserPassFunc
	Register    RegisterFunc
}
