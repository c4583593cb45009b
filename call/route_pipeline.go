package call

import (
	"strings"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/proxy"
	"github.com/sipstack/sipstack/sip"
)

// runRoutePipeline implements §4.4 for a freshly-created UAS transaction:
// authorize, then route, then dispatch.
func (c *Call) runRoutePipeline(stx *sip.ServerTx, req *sip.Request) {
	authResult := c.authorize(req)
	switch authResult.Verdict {
	case AuthForbidden:
		c.reply(stx, sip.StatusForbidden, nil)
		return
	case AuthChallenge:
		c.replyChallenge(stx, sip.StatusUnauthorized, authResult.Realm)
		return
	case AuthProxyChallenge:
		c.replyChallenge(stx, sip.StatusProxyAuthRequired, authResult.Realm)
		return
	}

	if to := req.To(); to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			if d, ok := c.dialogs[dialogIDFor(req)]; ok {
				host, port, _ := sip.ParseAddr(req.Source())
				d.authorizeOrigin(req.Transport(), host, port)
			}
		}
	}

	route := c.route(req)
	c.dispatch(stx, req, route)
}

func (c *Call) authorize(req *sip.Request) AuthResult {
	if c.cfg.Callbacks.Authorize != nil {
		return c.cfg.Callbacks.Authorize(c.digestAuthData(req), req, c)
	}
	if c.cfg.Auth == nil {
		return AuthResult{Verdict: AuthOK}
	}
	return c.digestAuthorize(req)
}

// digestAuthData pre-parses the Authorization/Proxy-Authorization header
// for a host-supplied AuthorizeFunc, matching §4.4 step 1's "authData
// carries whatever the digest layer pre-parsed out of the request".
func (c *Call) digestAuthData(req *sip.Request) any {
	if h := req.GetHeader("Authorization"); h != nil {
		if cred, err := auth.ParseCredentials(h.Value()); err == nil {
			return cred
		}
	}
	if h := req.GetHeader("Proxy-Authorization"); h != nil {
		if cred, err := auth.ParseCredentials(h.Value()); err == nil {
			return cred
		}
	}
	return nil
}

// digestAuthorize implements the built-in §4.8 verification path used when
// no host AuthorizeFunc is installed but a *auth.Service is configured.
func (c *Call) digestAuthorize(req *sip.Request) AuthResult {
	realm := c.cfg.Realm
	if realm == "" {
		realm = req.Recipient.Host
	}

	h, isProxy := req.GetHeader("Authorization"), false
	if h == nil {
		if ph := req.GetHeader("Proxy-Authorization"); ph != nil {
			h, isProxy = ph, true
		}
	}
	if h == nil {
		return challengeResult(isProxy, realm)
	}

	cred, err := auth.ParseCredentials(h.Value())
	if err != nil {
		return challengeResult(isProxy, realm)
	}

	lookup := func(user, realm string) (string, bool) {
		if c.cfg.Callbacks.GetUserPass == nil {
			return "", false
		}
		res := c.cfg.Callbacks.GetUserPass(user, realm, req, c)
		switch res.Verdict {
		case UserPassPlain:
			return res.Value, true
		case UserPassHA1:
			return "HA1!" + res.Value, true
		default:
			return "", false
		}
	}

	verdict := c.cfg.Auth.Verify(c.callID, cred, req.Method, auth.RequesterIP(req.Source()), lookup)
	if verdict != auth.VerdictOK {
		return challengeResult(isProxy, realm)
	}
	return AuthResult{Verdict: AuthOK}
}

func challengeResult(isProxy bool, realm string) AuthResult {
	if isProxy {
		return AuthResult{Verdict: AuthProxyChallenge, Realm: realm}
	}
	return AuthResult{Verdict: AuthChallenge, Realm: realm}
}

func (c *Call) route(req *sip.Request) RouteResult {
	if c.cfg.Callbacks.Route == nil {
		return RouteResult{Verdict: RouteProcess}
	}
	scheme := "sip"
	if req.Recipient.IsEncrypted() {
		scheme = "sips"
	}
	return c.cfg.Callbacks.Route(scheme, req.Recipient.User, req.Recipient.Host, req, c)
}

// dispatch implements §4.4 step 3.
func (c *Call) dispatch(stx *sip.ServerTx, req *sip.Request, route RouteResult) {
	switch route.Verdict {
	case RouteReply, RouteReplyStateless:
		var resp *sip.Response
		if route.Reason != "" {
			resp = sip.NewResponseFromRequest(req, route.Code, route.Reason, nil)
		}
		c.reply(stx, route.Code, resp)

	case RouteProcess:
		c.processRequest(stx, req)

	case RouteProcessStateless:
		if req.IsInvite() {
			c.reply(stx, sip.StatusInternalServerError, nil)
			return
		}
		c.processRequest(stx, req)

	case RouteProxy, RouteProxyStateless:
		c.startFork(stx, req, route.URIs, route.Opts)

	case RouteStrictProxy:
		c.strictProxy(stx, req)

	default:
		c.reply(stx, sip.StatusInternalServerError, nil)
	}
}

// processRequest routes to the dialog/subscription/registrar handler
// (§4.4 step 3 "process"). The core module exposes the hook point; the
// registrar package supplies the REGISTER handler via Callbacks in a
// fuller wiring (see cmd/sipstackd).
func (c *Call) processRequest(stx *sip.ServerTx, req *sip.Request) {
	if req.Method == sip.REGISTER {
		if c.cfg.Callbacks.Register != nil {
			resp := c.cfg.Callbacks.Register(req, c.cfg.Conn.Handle(), c)
			c.reply(stx, 0, resp)
			return
		}
		c.reply(stx, sip.StatusOK, nil)
		return
	}

	if req.Method == sip.BYE {
		if d, ok := c.dialogs[dialogIDFor(req)]; ok {
			d.advance("bye")
			c.dropDialog(d)
		}
		c.reply(stx, sip.StatusOK, nil)
		return
	}

	if dialogForming(req.Method) {
		c.acceptDialogForming(stx, req)
		return
	}

	c.reply(stx, sip.StatusOK, nil)
}

// acceptDialogForming implements the 200 and dialog-creation half of §4.6
// for a process-routed dialog-forming request. The automatic 100 Trying is
// not sent here; sip.ServerTx arms it in Init.
func (c *Call) acceptDialogForming(stx *sip.ServerTx, req *sip.Request) {
	toTag := sip.GenerateTagN(8)
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, sip.ReasonOf(sip.StatusOK), nil)
	if to := resp.To(); to != nil {
		to.Params.Add("tag", toTag)
	}

	id := sip.DialogIDMake(string(*req.CallID()), toTag, fromTagOf(req))
	from := req.From()
	to := req.To()
	var localURI, remoteURI sip.Uri
	if to != nil {
		localURI = to.Address
	}
	if from != nil {
		remoteURI = from.Address
	}
	d := newDialog(id, localURI, remoteURI, toTag, fromTagOf(req), allowsMethod(req, sip.UPDATE))
	d.advance("accept")
	c.dialogs[id] = d

	c.reply(stx, 0, resp)
}

// allowsMethod reports whether req's Allow header lists method, per
// RFC 3311's way of signaling UPDATE support. Falls back to a plain split
// of a generic "Allow" header for a request built outside this package.
func allowsMethod(req *sip.Request, method sip.RequestMethod) bool {
	if allow := req.Allow(); allow != nil {
		return allow.Has(method)
	}
	h := req.GetHeader("Allow")
	if h == nil {
		return false
	}
	for _, tok := range strings.Split(h.Value(), ",") {
		if sip.RequestMethod(strings.ToUpper(strings.TrimSpace(tok))) == method {
			return true
		}
	}
	return false
}

func fromTagOf(req *sip.Request) string {
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func dialogIDFor(req *sip.Request) string {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return ""
	}
	return id
}

// strictProxy implements §4.4 step 3 "strict_proxy": pop the top Route,
// resolve an RFC 5626 flow token if the popped user carries one, and
// forward as a stateless proxy (§4.5 "Stateless proxy mode", §4.7 "the
// proxy inspects routes").
func (c *Call) strictProxy(stx *sip.ServerTx, req *sip.Request) {
	poppedUser := ""
	if route := req.Route(); route != nil {
		poppedUser = route.Address.User
	}

	switch err := proxy.Strip(req); {
	case err == nil:
	case err == proxy.ErrTooManyHops:
		c.reply(stx, sip.StatusTooManyHops, nil)
		return
	default:
		c.reply(stx, sip.StatusBadRequest, nil)
		return
	}

	conn, err := proxy.ResolveHop(poppedUser, c.cfg.Conn, c.cfg.Resolver)
	switch {
	case err == proxy.ErrForbiddenFlow:
		c.reply(stx, sip.StatusForbidden, nil)
		return
	case err != nil:
		c.reply(stx, sip.StatusFlowFailed, nil)
		return
	}

	if conn == nil {
		conn = c.cfg.Conn
	}
	if err := proxy.Forward(conn, req); err != nil {
		c.log.Error("strict proxy forward failed", "error", err)
	}
}

// reply sends either (code, autogenerated-from-req) or a prebuilt resp
// through stx, whichever is non-empty.
func (c *Call) reply(stx *sip.ServerTx, code int, resp *sip.Response) {
	if resp == nil {
		resp = sip.NewResponseFromRequest(stx.Origin(), code, sip.ReasonOf(code), nil)
	}
	if err := stx.Respond(resp); err != nil {
		c.log.Error("reply failed", "error", err)
	}
}

// replyChallenge sends a 401/407 with a Digest challenge. The nonce/opaque
// generation lives in package auth, keeping nonce tracking out of the call
// actor; without a configured *auth.Service a static qop=auth challenge
// with no tracked nonce is sent (a host AuthorizeFunc that never returns
// AuthChallenge/AuthProxyChallenge never reaches this path).
func (c *Call) replyChallenge(stx *sip.ServerTx, code int, realm string) {
	resp := sip.NewResponseFromRequest(stx.Origin(), code, sip.ReasonOf(code), nil)
	headerName := "WWW-Authenticate"
	if code == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}

	var challenge string
	if c.cfg.Auth != nil {
		requesterIP := auth.RequesterIP(stx.Origin().Source())
		challenge = c.cfg.Auth.Challenge(c.callID, realm, requesterIP)
	} else {
		challenge = `Digest realm="` + realm + `", qop="auth"`
	}

	resp.AppendHeader(sip.NewHeader(headerName, challenge))
	c.reply(stx, 0, resp)
}
