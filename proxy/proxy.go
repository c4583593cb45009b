// Package proxy implements the stateless-proxy helper shared by the call
// actor's UAS route pipeline (§4.4 step 3 "strict_proxy", §4.5 "Stateless
// proxy mode"): Route popping, Max-Forwards enforcement, and RFC 5626 flow
// decoding on the outgoing hop.
package proxy

import (
	"errors"

	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/sip"
)

// ErrNoRoute is returned by Strip when req carries no Route header to pop.
var ErrNoRoute = errors.New("proxy: no Route header")

// ErrTooManyHops is returned when Max-Forwards has reached zero, per
// RFC 3261 16.7 step 5 / §7's loop-detection error surface.
var ErrTooManyHops = errors.New("proxy: too many hops")

// Strip pops the top Route header from req and sets req.Recipient to its
// address, implementing RFC 3261 16.4 / 16.6 step 6's loose-routing hop
// advance. It also decrements Max-Forwards, returning ErrTooManyHops once
// it would go to zero.
func Strip(req *sip.Request) error {
	route := req.Route()
	if route == nil {
		return ErrNoRoute
	}

	mf := maxForwards(req)
	if mf <= 1 {
		return ErrTooManyHops
	}
	setMaxForwards(req, mf-1)

	req.Recipient = route.Address
	req.RemoveHeader("Route")
	if route.Next != nil {
		req.AppendHeader(route.Next)
	}
	return nil
}

func maxForwards(req *sip.Request) uint32 {
	if h := req.GetHeader("Max-Forwards"); h != nil {
		if mf, ok := h.(*sip.MaxForwardsHeader); ok {
			return uint32(*mf)
		}
	}
	return 70
}

func setMaxForwards(req *sip.Request, n uint32) {
	if h := req.GetHeader("Max-Forwards"); h != nil {
		if mf, ok := h.(*sip.MaxForwardsHeader); ok {
			*mf = sip.MaxForwardsHeader(n)
			return
		}
	}
	mf := sip.MaxForwardsHeader(n)
	req.AppendHeader(&mf)
}

// ResolveHop applies §4.7's "for non-REGISTER requests with outbound in
// Supported, the proxy inspects routes" rule to the just-popped Route user,
// returning which live connection to forward req on. A nil resolver (the
// host application didn't wire outbound support) always falls back.
func ResolveHop(poppedUser string, fallback sip.Connection, resolver outbound.Resolver) (sip.Connection, error) {
	if resolver == nil {
		return fallback, nil
	}
	outcome, conn := outbound.ResolveRoute(poppedUser, resolver)
	switch outcome {
	case outbound.RouteOutcomeNone:
		return fallback, nil
	case outbound.RouteOutcomeOK:
		return conn, nil
	case outbound.RouteOutcomeFlowFailed:
		return nil, &sip.ErrConnGone{}
	default:
		return nil, ErrForbiddenFlow
	}
}

// ErrForbiddenFlow is returned by ResolveHop for a syntactically invalid
// flow token, surfaced upstream as 403 Forbidden (§4.7 last paragraph).
var ErrForbiddenFlow = errors.New("proxy: forbidden flow token")

// Forward writes req on conn, the final step of the strict-proxy pipeline.
func Forward(conn sip.Connection, req *sip.Request) error {
	return conn.WriteMsg(req)
}
