// Package call implements the L4 call actor: a single-writer owner of a
// Call-ID's transactions, dialogs, and forks, along with the L6 dialog
// manager and proxy/fork engine, and the §4.4 UAS route pipeline.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sipstack/sipstack/router"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/timer"
)

// WorkItem is the tagged union of items a call actor's mailbox accepts
// (§4.1). Each concrete type below is one variant.
type WorkItem interface{ isWorkItem() }

// SendRequest asks the call actor to originate req as a new UAC
// transaction (or a stateless send if Stateless is set).
type SendRequest struct {
	Req        *sip.Request
	Stateless  bool
	ResultChan chan<- *sip.Response
}

// SendInDialog asks the call actor to send req as an in-dialog request
// against an existing dialog (RURI/Route are filled in from the stored
// route set, §4.6).
type SendInDialog struct {
	DialogID   string
	Req        *sip.Request
	ResultChan chan<- *sip.Response
}

// SendCancel asks the call actor to CANCEL a pending UAC transaction
// (§4.2 "CANCEL: from the UAC side").
type SendCancel struct {
	TxKey string
}

// SendReply asks the call actor to send res on a UAS transaction it owns.
type SendReply struct {
	TxKey string
	Res   *sip.Response
}

// TimerFired is posted by Call.Post (satisfying timer.Sink) when the L2
// timer service fires one of this call's armed timers. Tag is
// "<txKey>|<name>" as produced by baseTx.timerTag; SubjectID is the
// generation the transaction armed it with, used to discard stale fires.
type TimerFired struct {
	Tag       string
	SubjectID uint64
}

// Incoming delivers a parsed inbound message to the call actor.
type Incoming struct {
	Msg  sip.Message
	Conn sip.Connection
}

// ApplyToDialog / ApplyToTransaction / ApplyToMessage are read-only
// introspection helpers (§4.1): Fn runs inside the actor goroutine so it
// observes a consistent snapshot, and its return value (if any) should be
// sent back over a channel closed over by the caller.
type ApplyToDialog struct {
	DialogID string
	Fn       func(*Dialog)
}

type ApplyToTransaction struct {
	TxKey string
	Fn    func(sip.Transaction)
}

type ApplyToMessage struct {
	Fn func(*Call)
}

// StopDialog tears a single dialog down without affecting the rest of the
// call.
type StopDialog struct {
	DialogID string
}

// Info is a no-op item used to probe mailbox liveness/ordering in tests.
type Info struct {
	Note string
}

// Crash is test-only: it makes the call actor terminate abnormally, as if
// a callback had thrown (§4.1, §7 "Fatal").
type Crash struct {
	Reason error
}

func (SendRequest) isWorkItem()        {}
func (SendInDialog) isWorkItem()       {}
func (SendCancel) isWorkItem()         {}
func (SendReply) isWorkItem()          {}
func (TimerFired) isWorkItem()         {}
func (Incoming) isWorkItem()           {}
func (ApplyToDialog) isWorkItem()      {}
func (ApplyToTransaction) isWorkItem() {}
func (ApplyToMessage) isWorkItem()     {}
func (StopDialog) isWorkItem()         {}
func (Info) isWorkItem()               {}
func (Crash) isWorkItem()              {}

// txEntry is one row of the "list of transactions (most recently touched
// first)" from §3 "Call".
type txEntry struct {
	key      string
	tx       sip.Transaction
	touched  time.Time
	fromFork string // set if this UAC tx belongs to a fork, "" otherwise
}

// Call is the L4 actor: everything it owns is touched only from its own
// goroutine once New starts it, per §5 "no locks on call-internal data".
// The mu/mailbox machinery below exists only to hand work *into* the
// actor and to let Stopped()/apply helpers observe it safely.
type Call struct {
	service string
	callID  string
	cfg     Config
	log     *slog.Logger

	mailbox chan WorkItem
	stopped chan struct{}
	stopErr error

	// Actor-owned state; touched only inside run().
	txs     []*txEntry
	dialogs map[string]*Dialog
	forks   map[string]*fork

	// pendingCancels tracks UAC transactions whose CANCEL (§4.2) arrived
	// before the transaction left "calling": it is sent as soon as the
	// transaction's first 1xx arrives instead of immediately (RFC 3261 9.1).
	pendingCancels map[string]bool

	clientSeq uint64 // local CSeq counter seed (§5 "global CSeq counter" made per-call)

	mu sync.Mutex // guards stopErr for Err-style external reads only
}

// New constructs a call actor for (service, callID) and starts its run
// goroutine before returning, so Deliver works as soon as the Actor is
// returned (router.ActorFactory's expectation); mailbox sends buffer until
// run drains them.
func New(service, callID string, cfg Config) *Call {
	cfg = cfg.withDefaults()
	c := &Call{
		service:        service,
		callID:         callID,
		cfg:            cfg,
		log:            cfg.Logger.With("call_id", callID, "service", service),
		mailbox:        make(chan WorkItem, cfg.MailboxSize),
		stopped:        make(chan struct{}),
		dialogs:        make(map[string]*Dialog),
		forks:          make(map[string]*fork),
		pendingCancels: make(map[string]bool),
	}
	go c.run()
	return c
}

// Post satisfies timer.Sink: the timer service calls this from its own
// goroutine when one of this call's armed timers fires, and it is queued
// back onto the mailbox so the actual FSM transition happens on the
// actor's own goroutine (§5 "no locks on call-internal data").
func (c *Call) Post(ev timer.Event) {
	select {
	case c.mailbox <- TimerFired{Tag: ev.Tag, SubjectID: ev.SubjectID}:
	case <-c.stopped:
	}
}

// NewActor adapts New to router.ActorFactory's signature.
func NewActor(service, callID string, cfg any) (router.Actor, error) {
	c, ok := cfg.(Config)
	if !ok {
		return nil, fmt.Errorf("call: NewActor requires a call.Config, got %T", cfg)
	}
	return New(service, callID, c), nil
}

// Deliver enqueues item on the mailbox, satisfying router.Actor.
func (c *Call) Deliver(item any) error {
	wi, ok := item.(WorkItem)
	if !ok {
		return fmt.Errorf("call: %T is not a call.WorkItem", item)
	}
	select {
	case <-c.stopped:
		return fmt.Errorf("call: actor for %s already stopped", c.callID)
	case c.mailbox <- wi:
		return nil
	}
}

// Stopped satisfies router.Actor.
func (c *Call) Stopped() <-chan struct{} { return c.stopped }

// Err returns the reason the actor stopped, or nil while still running.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopErr
}

// CallID returns the Call-ID this actor owns.
func (c *Call) CallID() string { return c.callID }

func (c *Call) run() {
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	defer close(c.stopped)
	defer c.cfg.Timers.CancelAll(c.callID)

	for {
		select {
		case item, ok := <-c.mailbox:
			if !ok {
				return
			}
			if stop := c.handle(item); stop {
				return
			}
		case <-sweep.C:
			c.checkCall()
		}
	}
}

// handle dispatches one work item. Returns true if the actor should stop.
func (c *Call) handle(item WorkItem) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("call actor panicked on work item", "item", fmt.Sprintf("%T", item), "panic", r)
			c.setStopErr(fmt.Errorf("call: panic: %v", r))
			stop = true
		}
	}()

	switch it := item.(type) {
	case Incoming:
		c.handleIncoming(it)
	case SendRequest:
		c.handleSendRequest(it)
	case SendInDialog:
		c.handleSendInDialog(it)
	case SendCancel:
		c.handleSendCancel(it)
	case SendReply:
		c.handleSendReply(it)
	case TimerFired:
		c.handleTimerFired(it)
	case ApplyToDialog:
		if d, ok := c.dialogs[it.DialogID]; ok {
			it.Fn(d)
		}
	case ApplyToTransaction:
		for _, e := range c.txs {
			if e.key == it.TxKey {
				it.Fn(e.tx)
				break
			}
		}
	case ApplyToMessage:
		it.Fn(c)
	case StopDialog:
		if d, ok := c.dialogs[it.DialogID]; ok {
			c.dropDialog(d)
		}
	case Info:
		c.log.Debug("info", "note", it.Note)
	case Crash:
		c.setStopErr(it.Reason)
		return true
	}
	return false
}

func (c *Call) setStopErr(err error) {
	c.mu.Lock()
	c.stopErr = err
	c.mu.Unlock()
}

// dialogRefreshTag scopes the session-refresh timer to one dialog, outside
// the "<txKey>|<name>" namespace transaction timers use.
func dialogRefreshTag(dialogID string) string {
	return "dialog:" + dialogID
}

// handleTimerFired dispatches a timer.Event posted via Post back to
// whatever armed it: either a transaction's own timer ("<txKey>|<name>",
// see baseTx.timerTag) or a dialog's session-refresh timer
// ("dialog:<id>"). A tag whose owner is gone (already terminated) is
// simply dropped, since the owner's own generation check is what guards
// against a fire racing a reset.
func (c *Call) handleTimerFired(it TimerFired) {
	if dialogID, ok := strings.CutPrefix(it.Tag, "dialog:"); ok {
		c.handleDialogRefresh(dialogID, it.SubjectID)
		return
	}

	txKey, name, ok := strings.Cut(it.Tag, "|")
	if !ok {
		return
	}
	tx, ok := c.findTx(txKey)
	if !ok {
		return
	}
	firer, ok := tx.(sip.TimerFirer)
	if !ok {
		return
	}
	firer.FireTimer(name, it.SubjectID)
}

// armDialogRefresh (re)arms d's session-refresh timer through the L2
// timer service (§4.6).
func (c *Call) armDialogRefresh(d *Dialog) {
	d.refreshGen++
	c.cfg.Timers.Start(c.callID, dialogRefreshTag(d.id), c.cfg.SessionRefreshInterval, d.refreshGen, c)
}

// handleDialogRefresh fires a confirmed dialog's session refresh: a
// re-INVITE, or an UPDATE if the peer advertised support for it (§4.6).
// The refresh re-arms itself so the session keeps refreshing periodically.
func (c *Call) handleDialogRefresh(dialogID string, gen uint64) {
	d, ok := c.dialogs[dialogID]
	if !ok || gen != d.refreshGen {
		return
	}
	if d.State() != DialogConfirmed {
		return
	}

	method := sip.INVITE
	if d.peerSupportsUpdate {
		method = sip.UPDATE
	}
	req := d.newRefreshRequest(method, c.callID)
	c.handleSendInDialog(SendInDialog{DialogID: dialogID, Req: req})
	c.armDialogRefresh(d)
}

// dropDialog tears a dialog down, cancelling any armed refresh timer
// first so a late fire can't resurrect work for a dialog that's gone.
func (c *Call) dropDialog(d *Dialog) {
	c.cfg.Timers.Cancel(c.callID, dialogRefreshTag(d.id))
	d.terminate()
	delete(c.dialogs, d.id)
}

func (c *Call) findTx(key string) (sip.Transaction, bool) {
	for _, e := range c.txs {
		if e.key == key {
			return e.tx, true
		}
	}
	return nil, false
}

// touchTx moves key to the front of the most-recently-touched list,
// or inserts it, per §3's Call.transactions ordering.
func (c *Call) touchTx(key string, tx sip.Transaction, fromFork string) {
	for i, e := range c.txs {
		if e.key == key {
			e.touched = time.Now()
			c.txs = append(c.txs[:i], c.txs[i+1:]...)
			c.txs = append([]*txEntry{e}, c.txs...)
			return
		}
	}
	c.txs = append([]*txEntry{{key: key, tx: tx, touched: time.Now(), fromFork: fromFork}}, c.txs...)
}

func (c *Call) dropTx(key string) {
	for i, e := range c.txs {
		if e.key == key {
			c.txs = append(c.txs[:i], c.txs[i+1:]...)
			return
		}
	}
}

// checkCall is the periodic sweep from §4.1: drop transactions/forks
// older than 2*TransTimeout and dialogs untouched for 2*DialogTimeout.
func (c *Call) checkCall() {
	transHorizon := 2 * c.cfg.TransTimeout
	dialogHorizon := 2 * c.cfg.DialogTimeout
	now := time.Now()

	var kept []*txEntry
	for _, e := range c.txs {
		if now.Sub(e.touched) > transHorizon {
			e.tx.Terminate()
			c.log.Debug("check_call dropped stale transaction", "tx", e.key)
			continue
		}
		kept = append(kept, e)
	}
	c.txs = kept

	for id, f := range c.forks {
		if now.Sub(f.start) > transHorizon {
			delete(c.forks, id)
			c.log.Debug("check_call dropped stale fork", "fork", id)
		}
	}

	for id, d := range c.dialogs {
		if now.Sub(d.lastTouched()) > dialogHorizon {
			c.dropDialog(d)
			c.log.Debug("check_call dropped stale dialog", "dialog", id)
		}
	}

	if len(c.txs) == 0 && len(c.dialogs) == 0 && len(c.forks) == 0 {
		// Nothing left to own; the actor can be reaped by the router on the
		// next SendWork miss instead of lingering. It still responds to new
		// work since it hasn't closed its mailbox.
	}
}

// nextCSeq returns a monotonically increasing CSeq number for requests
// this call originates within a dialog (§5 "global CSeq counter" held
// per-call since each call actor is the sole writer of its own dialogs).
func (c *Call) nextCSeq() uint32 {
	c.clientSeq++
	return uint32(c.clientSeq)
}

// txContext returns a context cancelled when the UAS transaction tx
// terminates (sip.ServerTransactionContext). Nothing in this package calls
// it; dialog session refresh runs on the timer service instead.
func txContext(tx sip.ServerTransaction) context.Context {
	return sip.ServerTransactionContext(tx)
}
