package call

import (
	"sort"
	"time"

	"github.com/sipstack/sipstack/sip"
)

// ForkOpts carries per-fork options named in §4.5 / §4.4.
type ForkOpts struct {
	FollowRedirects bool
}

// forkFinal tracks the "final" flag from §3's Fork fields: false until a
// 2xx or 6xx closes the fork out.
type forkFinal int

const (
	forkNotFinal forkFinal = iota
	forkFinal2xx
	forkFinal6xx
)

// fork is the L6 fork-engine record (§3 "Fork", §4.5).
type fork struct {
	id     string // originating UAS transaction id
	method sip.RequestMethod
	origin *sip.Request

	// uriset is the pending target groups: list of groups, each group a
	// set of targets tried in parallel, groups tried serially.
	uriset [][]sip.Uri

	launched map[string]*sip.ClientTx // branch -> child UAC transaction
	pending  map[string]bool          // branch -> still outstanding
	retried  map[string]bool          // branch -> already retried once after a 401/407

	collected []*sip.Response // non-2xx/6xx final responses, for best-response
	final     forkFinal

	opts  ForkOpts
	start time.Time
}

func newFork(id string, req *sip.Request, uriset [][]sip.Uri, opts ForkOpts) *fork {
	return &fork{
		id:       id,
		method:   req.Method,
		origin:   req,
		uriset:   uriset,
		launched: make(map[string]*sip.ClientTx),
		pending:  make(map[string]bool),
		retried:  make(map[string]bool),
		opts:     opts,
		start:    time.Now(),
	}
}

// done reports whether the fork has no more work: nothing pending and no
// more groups queued, whether or not a final response was sent (§3 fork lifecycle:
// "deleted when no pending work remains").
func (f *fork) done() bool {
	return len(f.pending) == 0 && len(f.uriset) == 0
}

// nextGroup pops the next target group to launch, or nil if uriset is
// exhausted.
func (f *fork) nextGroup() []sip.Uri {
	if len(f.uriset) == 0 {
		return nil
	}
	g := f.uriset[0]
	f.uriset = f.uriset[1:]
	return g
}

// forkAction is the per-branch outcome of §4.5's response
// classification switch, returned to the call actor so it knows what
// transport/timer work to perform (forward upstream, cancel siblings,
// launch a redirect set, or just record).
type forkAction int

const (
	forkActionRecord forkAction = iota
	forkActionForward
	forkActionForwardAndCancelSiblings
	forkActionFollowRedirect
)

type forkOutcome struct {
	action forkAction
	cancelReason string
}

// onResponse implements the §4.5 classification switch for one branch's
// final or provisional response. branch identifies which pending UAC
// transaction the response belongs to.
func (f *fork) onResponse(branch string, res *sip.Response) forkOutcome {
	switch {
	case res.IsProvisional():
		if res.StatusCode == sip.StatusTrying {
			return forkOutcome{action: forkActionRecord}
		}
		if f.final == forkNotFinal {
			return forkOutcome{action: forkActionForward}
		}
		return forkOutcome{action: forkActionRecord}

	case res.IsSuccess():
		delete(f.pending, branch)
		f.final = forkFinal2xx
		return forkOutcome{action: forkActionForwardAndCancelSiblings, cancelReason: "Call completed elsewhere"}

	case res.IsRedirection():
		delete(f.pending, branch)
		if f.opts.FollowRedirects && f.final == forkNotFinal {
			if contacts := redirectTargets(res, f.origin); len(contacts) > 0 {
				f.uriset = append([][]sip.Uri{contacts}, f.uriset...)
				return forkOutcome{action: forkActionFollowRedirect}
			}
		}
		f.collected = append(f.collected, res)
		return forkOutcome{action: forkActionRecord}

	case res.IsGlobalError():
		delete(f.pending, branch)
		f.collected = append(f.collected, res)
		if f.final == forkNotFinal {
			f.final = forkFinal6xx
			f.uriset = nil
			return forkOutcome{action: forkActionForwardAndCancelSiblings, cancelReason: "sip;cause=" + res.StartLine()}
		}
		return forkOutcome{action: forkActionRecord}

	default: // 4xx/5xx
		delete(f.pending, branch)
		f.collected = append(f.collected, res)
		return forkOutcome{action: forkActionRecord}
	}
}

// redirectTargets extracts Contact targets from a 3xx, dropping plain sip
// contacts when the original request-URI was sips (§4.5).
func redirectTargets(res *sip.Response, origin *sip.Request) []sip.Uri {
	contact := res.Contact()
	if contact == nil {
		return nil
	}
	var targets []sip.Uri
	for c := contact; c != nil; c = c.Next {
		u := c.Address
		if origin.Recipient.IsEncrypted() && !u.IsEncrypted() {
			continue
		}
		targets = append(targets, u)
	}
	return targets
}

// bestResponse implements §4.5's best-response selection over collected
// non-2xx/6xx final responses. Returns nil if nothing was collected, in
// which case the caller synthesises 480.
func bestResponse(collected []*sip.Response) *sip.Response {
	if len(collected) == 0 {
		return nil
	}

	rank := func(code int) int {
		switch {
		case code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired:
			return 0
		case code == sip.StatusUnsupportedMediaType || code == sip.StatusBadExtension || code == sip.StatusAddressIncomplete:
			return 1
		case code == sip.StatusServiceUnavailable:
			return 2
		case code >= 600:
			return 3
		default:
			return 4
		}
	}

	best := make([]*sip.Response, len(collected))
	copy(best, collected)
	sort.SliceStable(best, func(i, j int) bool {
		ri, rj := rank(best[i].StatusCode), rank(best[j].StatusCode)
		if ri != rj {
			return ri < rj
		}
		return best[i].StatusCode < best[j].StatusCode
	})

	chosen := best[0]
	if chosen.StatusCode == sip.StatusServiceUnavailable {
		rewritten := chosen.Clone()
		rewritten.StatusCode = sip.StatusInternalServerError
		rewritten.Reason = sip.ReasonOf(sip.StatusInternalServerError)
		return rewritten
	}
	if chosen.StatusCode == sip.StatusUnauthorized || chosen.StatusCode == sip.StatusProxyAuthRequired {
		return mergeChallenges(best, chosen.StatusCode)
	}
	return chosen
}

// mergeChallenges merges WWW-Authenticate/Proxy-Authenticate headers from
// every response of the same challenge class into one response (§4.5
// "401 and 407 first (with merged ... headers from all such responses)").
func mergeChallenges(responses []*sip.Response, code int) *sip.Response {
	var base *sip.Response
	headerName := "WWW-Authenticate"
	if code == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	for _, r := range responses {
		if r.StatusCode != code {
			continue
		}
		if base == nil {
			base = r.Clone()
			continue
		}
		for _, h := range r.GetHeaders(headerName) {
			base.AppendHeader(sip.NewHeader(headerName, h.Value()))
		}
	}
	return base
}
