package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sipstack/sipstack/sip"
)

// Dialog invite sub-states, §3 "Dialog" / §4.6.
const (
	DialogInit       = "init"
	DialogProceeding = "proceeding"
	DialogAccepted   = "accepted"
	DialogConfirmed  = "confirmed"
	DialogTerminated = "terminated"
)

// origin identifies the authorized-origin cache entries in §3's Dialog
// "per-dialog authorized-origin cache".
type origin struct {
	transport string
	ip        string
	port      int
}

// Dialog is the L6 dialog record (§3 "Dialog", §4.6). It is mutated only
// by the owning call actor's goroutine.
type Dialog struct {
	id string

	localURI, remoteURI   sip.Uri
	localTag, remoteTag   string
	routeSet              []sip.Uri // learned from Record-Route of the dialog-forming 2xx
	localCSeq, remoteCSeq uint32

	subscriptions []string // Event header values for active subscriptions

	authorizedOrigins map[origin]bool

	// peerSupportsUpdate is set from the dialog-forming INVITE's Allow
	// header (§4.6): a confirmed dialog whose peer advertised UPDATE
	// refreshes the session with UPDATE instead of a re-INVITE.
	peerSupportsUpdate bool
	// refreshGen guards a fired refresh timer.Event against one that raced
	// a dialog being retired (terminated/replaced) before it arrived.
	refreshGen uint64

	machine *fsm.FSM

	mu      sync.Mutex
	touched time.Time
}

// newDialog creates a dialog in DialogInit, wiring the looplab/fsm invite
// sub-state machine the way arzzra-soft_phone's pkg/dialog.Dialog does.
func newDialog(id string, local, remote sip.Uri, localTag, remoteTag string, peerSupportsUpdate bool) *Dialog {
	d := &Dialog{
		id:                 id,
		localURI:           local,
		remoteURI:          remote,
		localTag:           localTag,
		remoteTag:          remoteTag,
		peerSupportsUpdate: peerSupportsUpdate,
		authorizedOrigins:  make(map[origin]bool),
		touched:            time.Now(),
	}
	d.machine = fsm.NewFSM(
		DialogInit,
		fsm.Events{
			{Name: "provisional", Src: []string{DialogInit}, Dst: DialogProceeding},
			{Name: "accept", Src: []string{DialogInit, DialogProceeding}, Dst: DialogAccepted},
			{Name: "confirm", Src: []string{DialogAccepted}, Dst: DialogConfirmed},
			{Name: "reject", Src: []string{DialogInit, DialogProceeding, DialogAccepted}, Dst: DialogTerminated},
			{Name: "bye", Src: []string{DialogConfirmed}, Dst: DialogTerminated},
			{Name: "error", Src: []string{DialogInit, DialogProceeding, DialogAccepted, DialogConfirmed}, Dst: DialogTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.touched = time.Now()
			},
		},
	)
	return d
}

// State returns the current invite sub-state.
func (d *Dialog) State() string {
	return d.machine.Current()
}

func (d *Dialog) lastTouched() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.touched
}

func (d *Dialog) touch() {
	d.mu.Lock()
	d.touched = time.Now()
	d.mu.Unlock()
}

// advance fires event against the invite sub-state machine, ignoring an
// invalid transition rather than erroring: an out-of-order retransmission
// hitting the dialog (e.g. a duplicate 2xx) should not be fatal.
func (d *Dialog) advance(event string) {
	if err := d.machine.Event(context.Background(), event); err != nil {
		if _, ok := err.(fsm.InvalidEventError); ok {
			return
		}
	}
}

func (d *Dialog) terminate() {
	d.advance("error")
	d.refreshGen++ // invalidate any refresh timer.Event still in flight
}

// newRefreshRequest builds the re-INVITE or UPDATE this dialog's session
// refresh (§4.6) sends. From/To carry the dialog's own tags; Recipient,
// Route and CSeq are filled in by handleSendInDialog the same way any
// other in-dialog request gets them.
func (d *Dialog) newRefreshRequest(method sip.RequestMethod, callID string) *sip.Request {
	req := sip.NewRequest(method, d.remoteURI)
	req.SipVersion = "SIP/2.0"

	from := &sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.MaxForwardsHeader{})
	return req
}

// setRouteSet stores the route set from Record-Route of the dialog-
// forming 2xx. uas reverses the order per §4.6 ("reversed from the
// received order for the UAS side, natural order for the UAC side").
func (d *Dialog) setRouteSet(rr *sip.RecordRouteHeader, uas bool) {
	var hops []sip.Uri
	for h := rr; h != nil; h = h.Next {
		hops = append(hops, h.Address)
	}
	if uas {
		for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
			hops[i], hops[j] = hops[j], hops[i]
		}
	}
	d.routeSet = hops
}

// authorizeOrigin augments the authorized-origin cache with the source of
// a request that passed sip_authorize with a To-tag present (§4.4 step 1).
func (d *Dialog) authorizeOrigin(transport, ip string, port int) {
	d.authorizedOrigins[origin{transport, ip, port}] = true
}

func (d *Dialog) isAuthorizedOrigin(transport, ip string, port int) bool {
	return d.authorizedOrigins[origin{transport, ip, port}]
}

// nextLocalCSeq enforces §4.6's "local_cseq is strictly increasing per
// method (except ACK)".
func (d *Dialog) nextLocalCSeq() uint32 {
	d.localCSeq++
	return d.localCSeq
}

// checkRemoteCSeq enforces §4.6's "a UAS-received in-dialog request with
// CSeq <= last seen (other than ACK) is rejected 500".
func (d *Dialog) checkRemoteCSeq(method sip.RequestMethod, seq uint32) error {
	if method == sip.ACK {
		return nil
	}
	if d.remoteCSeq != 0 && seq <= d.remoteCSeq {
		return fmt.Errorf("call: in-dialog CSeq %d not greater than last seen %d", seq, d.remoteCSeq)
	}
	d.remoteCSeq = seq
	return nil
}

// dialogForming reports whether method can create a dialog, §4.6.
func dialogForming(method sip.RequestMethod) bool {
	switch method {
	case sip.INVITE, sip.SUBSCRIBE, sip.REFER, sip.NOTIFY:
		return true
	default:
		return false
	}
}
