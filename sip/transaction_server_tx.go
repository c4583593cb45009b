package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sipstack/sipstack/timer"
)

type ServerTx struct {
	baseTx
	acks chan *Request
	// cancels chan *Request
	onCancel     FnTxCancel
	timer_g_time time.Duration
	timer_i_time time.Duration
	timer_j_time time.Duration
	reliable     bool

	// No100 suppresses the automatic 100 Trying an INVITE transaction
	// would otherwise send on Init, RFC 3261 17.2.1's "unless ... the TU
	// will generate a provisional response within 200ms" escape hatch.
	No100 bool

	closeOnce sync.Once
}

// NewServerTx constructs a UAS transaction for origin, keyed by key. callID
// and timers wire the transaction's own RFC 3261 timers (100 Trying, G, H,
// I, J, L) through the L2 timer service; sink is the owning call actor.
func NewServerTx(key string, origin *Request, conn Connection, logger *slog.Logger, callID string, timers *timer.Service, sink timer.Sink) *ServerTx {
	tx := new(ServerTx)
	tx.key = key
	tx.callID = callID
	tx.timers = timers
	tx.sink = sink
	tx.conn = conn

	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	if !tx.reliable {
		tx.timer_g_time = Timer_G
		tx.timer_i_time = Timer_I
		tx.timer_j_time = Timer_J
	}

	// RFC 3261 - 17.2.1
	if tx.Origin().IsInvite() && !tx.No100 {
		tx.armTimer(timerTag1xx, Timer_1xx)
	}
	tx.log.Debug("Server transaction initialized", "tx", tx.Key())
	return nil
}

// Receive is the endpoint for handling received server requests. Must run
// on the owning call actor's goroutine (§4.1/§5).
func (tx *ServerTx) Receive(req *Request) error {
	tx.disarmTimer(timerTag1xx)

	var input fsmInput
	switch {
	case req.Method == tx.origin.Method:
		input = server_input_request
	case req.IsAck(): // ACK for non-2xx response
		input = server_input_ack
	case req.IsCancel():
		input = server_input_cancel
	default:
		return fmt.Errorf("unexpected message error")
	}

	tx.spinFsmWithRequest(input, req)
	return nil
}

func (tx *ServerTx) Respond(res *Response) error {
	if res.IsCancel() {
		return tx.conn.WriteMsg(res)
	}

	tx.disarmTimer(timerTag1xx)

	var input fsmInput
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.spinFsmWithResponse(input, res)
	// In case of termination or some error
	return tx.Err()
}

// FireTimer applies the timer named name, satisfying TimerFirer. Called by
// the owning call actor once it dequeues the corresponding timer.Event.
func (tx *ServerTx) FireTimer(name string, gen uint64) {
	if !tx.timerGenCurrent(name, gen) {
		return
	}
	switch name {
	case timerTag1xx:
		trying := NewResponseFromRequest(tx.Origin(), 100, "Trying", nil)
		if err := tx.conn.WriteMsg(trying); err != nil {
			tx.log.Error("send '100 Trying' response failed", "tx", tx.Key(), "error", err)
		}
	case timerTagG:
		tx.spinFsm(server_input_timer_g)
	case timerTagH:
		tx.spinFsm(server_input_timer_h)
	case timerTagI:
		tx.spinFsm(server_input_timer_i)
	case timerTagJ:
		tx.spinFsm(server_input_timer_j)
	case timerTagL:
		tx.spinFsm(server_input_timer_l)
	}
}

// Acks exposes ACKs received during this transaction.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

func (tx *ServerTx) Context() context.Context {
	return tx
}

// Deadline/Done/Err/Value make *ServerTx satisfy context.Context, so it can
// be handed directly to ServerTransactionContext callers without wrapping.
func (tx *ServerTx) Deadline() (deadline time.Time, ok bool) {
	return time.Time{}, false
}

func (tx *ServerTx) Value(key any) any {
	return nil
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
		if callid := r.CallID(); callid != nil {
			tx.log.Warn("ACK missed", "tx", tx.Key(), "callid", callid.Value())
		}
	case tx.acks <- r:
	}
}

func (tx *ServerTx) ackSendAsync(r *Request) {
	select {
	case tx.acks <- r:
		return
	default:
	}

	// Go routines should be cheap and it will prevent blocking.
	go tx.ackSend(r)
}

func (tx *ServerTx) OnCancel(f FnTxCancel) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	if tx.onCancel != nil {
		prev := tx.onCancel
		tx.onCancel = func(r *Request) {
			prev(r)
			f(r)
		}
		return true
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Terminate() {
	tx.log.Debug("Server transaction terminating", "tx", tx.Key())
	tx.delete(ErrTransactionTerminated)
}

// TerminateGracefully allows a just-sent final response's retransmissions
// to still reach the peer instead of cutting the transaction off mid-flight.
func (tx *ServerTx) TerminateGracefully() {
	if tx.reliable {
		tx.Terminate()
		return
	}

	tx.fsmMu.Lock()
	finalized := tx.fsmResp != nil && !tx.fsmResp.IsProvisional()
	tx.fsmMu.Unlock()
	if !finalized {
		tx.Terminate()
		return
	}
	tx.log.Debug("Server transaction waiting termination", "tx", tx.Key())
	<-tx.Done()
}

// Choose the right FSM init function depending on request method.
func (tx *ServerTx) initFSM() {
	if tx.Origin().IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateProcceeding, stateServerInviteProceeding)
	} else {
		tx.baseTx.initFSM(tx.stateTrying, stateServerTrying)
	}
}

func (tx *ServerTx) delete(err error) {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		tx.closed = true
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.disarmTimer(timerTag1xx)
	tx.disarmTimer(timerTagG)
	tx.disarmTimer(timerTagH)
	tx.disarmTimer(timerTagI)
	tx.disarmTimer(timerTagJ)
	tx.disarmTimer(timerTagL)
	tx.log.Debug("Server transaction destroyed", "tx", tx.Key())
}
