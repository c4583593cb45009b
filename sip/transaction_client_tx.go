package sip

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sipstack/sipstack/timer"
)

type ClientTx struct {
	baseTx
	responses    chan *Response
	timer_a_time time.Duration // Current duration of timer A.
	timer_d_time time.Duration // Current duration of timer D.

	onRetransmission FnTxResponse
}

// NewClientTx constructs a UAC transaction for origin, keyed by key. callID
// and timers wire the transaction's own RFC 3261 timers (A, B, D, M)
// through the L2 timer service; sink is the owning call actor, which the
// timer service posts fired Events to so every timer-driven FSM transition
// happens back on that actor's single goroutine instead of a timer's own.
func NewClientTx(key string, origin *Request, conn Connection, logger *slog.Logger, callID string, timers *timer.Service, sink timer.Sink) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.callID = callID
	tx.timers = timers
	tx.sink = sink
	tx.conn = conn
	tx.responses = make(chan *Response)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	return tx
}

func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		e := fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.StartLine(), err)
		return wrapTransportError(e)
	}

	if IsReliable(tx.origin.Transport()) {
		tx.timer_d_time = 0
	} else {
		// RFC 3261 17.1.1.2: an unreliable transport starts Timer A (request
		// retransmission) at T1; a reliable one must not.
		tx.timer_a_time = Timer_A
		tx.armTimer(timerTagA, tx.timer_a_time)
		tx.timer_d_time = Timer_D
	}

	tx.armTimer(timerTagB, Timer_B)
	tx.log.Debug("Client transaction initialized", "tx", tx.Key())
	return nil
}

// Initialises the correct kind of FSM based on request method.
func (tx *ClientTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateCalling, stateInviteCalling)
	} else {
		tx.baseTx.initFSM(tx.stateCalling, stateCalling)
	}
}

func (tx *ClientTx) Responses() <-chan *Response {
	return tx.responses
}

func (tx *ClientTx) OnRetransmission(f FnTxResponse) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.registerOnResponse(f)
	tx.mu.Unlock()
	return true
}

func (tx *ClientTx) registerOnResponse(f FnTxResponse) {
	if tx.onRetransmission != nil {
		prev := tx.onRetransmission
		tx.onRetransmission = func(r *Response) {
			prev(r)
			f(r)
		}
		return
	}
	tx.onRetransmission = f
}

func (tx *ClientTx) Terminate() {
	if tx.delete(ErrTransactionTerminated) {
		tx.fsmMu.Lock()
		tx.fsmErr = ErrTransactionCanceled
		tx.fsmMu.Unlock()
	}
}

// Receive processes a response in a way that changes transaction state.
// Must run on the owning call actor's goroutine (§4.1/§5): it mutates FSM
// state with no lock of its own.
func (tx *ClientTx) Receive(res *Response) {
	var input fsmInput
	switch {
	case res.IsProvisional():
		input = client_input_1xx
	case res.IsSuccess():
		input = client_input_2xx
	default:
		input = client_input_300_plus
	}
	tx.spinFsmWithResponse(input, res)
}

// FireTimer applies the timer named name, satisfying TimerFirer. Called by
// the owning call actor once it dequeues the corresponding timer.Event;
// gen must still match the transaction's current arming of that timer or
// the fire is a stale one and is ignored.
func (tx *ClientTx) FireTimer(name string, gen uint64) {
	if !tx.timerGenCurrent(name, gen) {
		return
	}
	switch name {
	case timerTagA:
		tx.spinFsm(client_input_timer_a)
	case timerTagB:
		tx.spinFsmWithError(client_input_timer_b, fmt.Errorf("Timer_B timed out. %w", ErrTransactionTimeout))
	case timerTagD:
		tx.spinFsm(client_input_timer_d)
	case timerTagM:
		tx.spinFsm(client_input_timer_m)
	}
}

func (tx *ClientTx) Connection() Connection {
	return tx.conn
}

// ack sends the ACK for a non-2xx final response (RFC 3261 17.1.1.3). A
// 2xx ACK is a separate end-to-end request the dialog layer originates,
// not this transaction's concern.
func (tx *ClientTx) ack() error {
	resp := tx.fsmResp
	if resp == nil {
		panic("Response in ack should not be nil")
	}

	ack := newAckRequestNon2xx(tx.origin, resp, nil)
	tx.fsmAck = ack

	// Destination can be FQDN; per RFC 3261 17.1.1.2 the ACK MUST be sent
	// to the same address/port/transport as the original request, so reuse
	// the already-resolved remote address instead of re-resolving.
	ack.raddr = tx.origin.raddr

	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error("send ACK request failed", "tx", tx.Key(),
			slog.String("invite_request", tx.origin.Short()),
			slog.String("invite_response", resp.Short()),
			slog.String("cancel_request", ack.Short()),
		)
		return wrapTransportError(err)
	}
	return nil
}

func (tx *ClientTx) resend() error {
	select {
	case <-tx.done:
		return nil
	default:
	}

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug("Fail to resend request", "error", err, "req", tx.origin.StartLine())
		return wrapTransportError(err)
	}
	return nil
}

func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true
	close(tx.done)
	onterm := tx.onTerminate
	tx.mu.Unlock()

	tx.disarmTimer(timerTagA)
	tx.disarmTimer(timerTagB)
	tx.disarmTimer(timerTagD)
	tx.disarmTimer(timerTagM)

	if onterm != nil {
		tx.onTerminate(tx.key, err)
	}

	if _, err := tx.conn.TryClose(); err != nil {
		tx.log.Info("Closing connection returned error", "error", err, "tx", tx.Key())
	}
	tx.log.Debug("Client transaction destroyed", "tx", tx.Key())
	return true
}
