package registrar

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/sip"
)

// Result is the outcome of processing a REGISTER, carrying either the
// status code to reply with or the accepted bindings for a 200 OK.
type Result struct {
	Code     int
	Reason   string
	Bindings []*Binding
	// RequireOutbound signals the 200 OK must carry Require: outbound
	// (§4.7 "the response includes Require: outbound").
	RequireOutbound bool
}

var (
	// ErrSeveralRegID is the "Several 'reg-id' Options" synthetic reason
	// phrase from §6's wire-protocol table.
	ErrSeveralRegID = errors.New("Several 'reg-id' Options")

	errMalformedPath       = errors.New("registrar: malformed Path")
	errFirstHopNotOutbound = errors.New("registrar: first hop not outbound-capable")
)

// DefaultExpires is used when a REGISTER/Contact carries no Expires value.
const DefaultExpires = time.Hour

// Process implements §4.7's "Registrar" REGISTER handling: outbound-mode
// detection from Via/Path, binding keying, and replace-on-reregister.
// aor is the canonical address-of-record string (typically the To URI's
// user@host), recvHandle is the connection the REGISTER itself arrived on.
func Process(store *Store, aor string, req *sip.Request, recvHandle sip.ConnHandle, now time.Time) Result {
	contacts := contactChain(req.Contact())
	if len(contacts) == 0 {
		return liveBindingsResult(store, aor, now)
	}

	outboundMode, requireOutbound, err := detectOutboundMode(req)
	switch {
	case errors.Is(err, errMalformedPath):
		return Result{Code: sip.StatusBadRequest, Reason: "malformed Path"}
	case errors.Is(err, errFirstHopNotOutbound):
		return Result{Code: sip.StatusFirstHopLacksOutbound}
	}

	if outboundMode && len(contacts) != 1 {
		return Result{Code: sip.StatusBadRequest, Reason: "outbound registration requires exactly one Contact"}
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	var cseq uint32
	if h := req.CSeq(); h != nil {
		cseq = h.SeqNo
	}

	var regIDs []int
	for _, c := range contacts {
		expires := contactExpires(req, c)
		regID, hasRegID := contactRegID(c)
		if hasRegID {
			regIDs = append(regIDs, regID)
		}
		if len(regIDs) > 1 {
			return Result{Code: sip.StatusBadRequest, Reason: ErrSeveralRegID.Error()}
		}

		instance := contactInstance(c)
		key := KeyFor(c.Address, outboundMode, instance, regID)

		if expires <= 0 {
			store.Remove(aor, key)
			continue
		}

		b := &Binding{
			Key:       key,
			Contact:   c.Address,
			Path:      pathChain(req),
			CallID:    callID,
			CSeq:      cseq,
			Expires:   now.Add(expires),
			Outbound:  outboundMode,
			RegID:     regID,
			Instance:  instance,
			Transport: recvHandle,
		}
		store.Upsert(aor, b)
	}

	result := liveBindingsResult(store, aor, now)
	result.RequireOutbound = requireOutbound
	return result
}

func liveBindingsResult(store *Store, aor string, now time.Time) Result {
	return Result{Code: sip.StatusOK, Bindings: store.Find(aor, now)}
}

func contactChain(c *sip.ContactHeader) []*sip.ContactHeader {
	var out []*sip.ContactHeader
	for hop := c; hop != nil; hop = hop.Next {
		out = append(out, hop)
	}
	return out
}

func pathChain(req *sip.Request) []sip.Uri {
	hdrs := req.GetHeaders("Path")
	out := make([]sip.Uri, 0, len(hdrs))
	for _, h := range hdrs {
		if u, ok := parseAngleURI(h.Value()); ok {
			out = append(out, u)
		}
	}
	return out
}

func parseAngleURI(raw string) (sip.Uri, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "<>")
	return parseURI(raw)
}

// detectOutboundMode implements §4.7's "On REGISTER, if outbound is
// supported and there is a single Via... otherwise checks the last Path
// element carries ob" decision.
func detectOutboundMode(req *sip.Request) (outboundMode, requireOutbound bool, err error) {
	if !supports(req, "outbound") {
		return false, false, nil
	}
	if singleVia(req) {
		return true, true, nil
	}

	hdrs := req.GetHeaders("Path")
	if len(hdrs) == 0 {
		return false, false, nil
	}
	last := hdrs[len(hdrs)-1].Value()
	u, ok := parseAngleURI(last)
	if !ok {
		return false, false, errMalformedPath
	}
	if _, hasOb := u.UriParams.Get("ob"); !hasOb {
		return false, false, errFirstHopNotOutbound
	}
	return true, false, nil
}

func singleVia(req *sip.Request) bool {
	via := req.Via()
	return via != nil && via.Next == nil
}

func supports(req *sip.Request, option string) bool {
	for _, h := range req.GetHeaders("Supported") {
		for _, tok := range strings.Split(h.Value(), ",") {
			if strings.EqualFold(strings.TrimSpace(tok), option) {
				return true
			}
		}
	}
	return false
}

func contactExpires(req *sip.Request, c *sip.ContactHeader) time.Duration {
	if v, ok := c.Params.Get("expires"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return DefaultExpires
}

func contactRegID(c *sip.ContactHeader) (int, bool) {
	v, ok := c.Params.Get("reg-id")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func contactInstance(c *sip.ContactHeader) string {
	v, _ := c.Params.Get("+sip.instance")
	return strings.Trim(v, `"`)
}

// Replay builds the Route headers (reversed Path) an outgoing request to
// b.Contact must carry so the downstream proxies re-derive the same flow
// (§3 "path list (route set to replay through proxies back to the UA)").
func Replay(b *Binding) []sip.Header {
	out := make([]sip.Header, 0, len(b.Path))
	for i := len(b.Path) - 1; i >= 0; i-- {
		out = append(out, sip.NewHeader("Route", "<"+b.Path[i].String()+">"))
	}
	return out
}

// ResolveFlow decodes a flow token embedded in the user-part of b.Path's
// first hop (or of b.Contact when there is no Path) and resolves it through r,
// surfacing the §4.7 "430 Flow Failed" / "403 Forbidden" outcomes for a
// caller about to route a request back to this binding.
func ResolveFlow(b *Binding, r outbound.Resolver) outbound.RouteOutcome {
	user := b.Contact.User
	if len(b.Path) > 0 {
		user = b.Path[0].User
	}
	outcome, _ := outbound.ResolveRoute(user, r)
	return outcome
}
