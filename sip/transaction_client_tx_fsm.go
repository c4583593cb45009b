package sip

import (
	"time"
)

// Client INVITE transaction state machine, RFC 3261 17.1.1. CANCEL is not
// itself an input here: cancelling a UAC transaction is a separate request
// the call actor sends once this transaction has left the "calling" state
// (RFC 3261 9.1), which is exactly what StateName lets it check.

func (tx *ClientTx) inviteStateCalling(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.goTo(tx.inviteStateProcceeding, stateInviteProceeding)
		spinfn = tx.actInviteProceeding
	case client_input_2xx:
		tx.goTo(tx.inviteStateAccepted, stateInviteAccepted)
		spinfn = tx.actPassupAccept
	case client_input_300_plus:
		tx.goTo(tx.inviteStateCompleted, stateInviteCompleted)
		spinfn = tx.actInviteFinal
	case client_input_timer_a:
		tx.goTo(tx.inviteStateCalling, stateInviteCalling)
		spinfn = tx.actInviteResend
	case client_input_timer_b:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actTimeout
	case client_input_transport_err:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateProcceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.goTo(tx.inviteStateProcceeding, stateInviteProceeding)
		spinfn = tx.actPassup
	case client_input_2xx:
		tx.goTo(tx.inviteStateAccepted, stateInviteAccepted)
		spinfn = tx.actPassupAccept
	case client_input_300_plus:
		tx.goTo(tx.inviteStateCompleted, stateInviteCompleted)
		spinfn = tx.actInviteFinal
	case client_input_timer_b:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actTimeout
	case client_input_transport_err:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_300_plus:
		tx.goTo(tx.inviteStateCompleted, stateInviteCompleted)
		spinfn = tx.actAckResend
	case client_input_transport_err:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actTransErr
	case client_input_timer_d:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateAccepted(s fsmInput) fsmInput {
	// RFC 6026 §7.2: passes 2xx retransmissions to the OnRetransmission
	// hook, stays in Accepted after a transport error, terminates on Timer
	// M, and drops any other response.
	var spinfn fsmState
	switch s {
	case client_input_2xx:
		tx.log.Debug("retransimission 2xx detected", "tx", tx.Key())
		tx.goTo(tx.inviteStateAccepted, stateInviteAccepted)
		spinfn = tx.actPassupRetransmission
	case client_input_transport_err:
		tx.log.Warn("client transport error detected. Waiting for retransmission", "tx", tx.Key())
		tx.goTo(tx.inviteStateAccepted, stateInviteAccepted)
		spinfn = tx.actTranErrNoDelete
	case client_input_timer_m:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete:
		tx.goTo(tx.inviteStateTerminated, stateInviteTerminated)
		spinfn = tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

// Client non-INVITE transaction state machine, RFC 3261 17.1.2.

func (tx *ClientTx) stateCalling(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.goTo(tx.stateProceeding, stateProceeding)
		spinfn = tx.actPassup
	case client_input_2xx, client_input_300_plus:
		tx.goTo(tx.stateCompleted, stateCompleted)
		spinfn = tx.actFinal
	case client_input_timer_a:
		tx.goTo(tx.stateCalling, stateCalling)
		spinfn = tx.actResend
	case client_input_timer_b:
		tx.goTo(tx.stateTerminated, stateTerminated)
		spinfn = tx.actTimeout
	case client_input_transport_err:
		tx.goTo(tx.stateTerminated, stateTerminated)
		spinfn = tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.goTo(tx.stateProceeding, stateProceeding)
		spinfn = tx.actPassup
	case client_input_2xx, client_input_300_plus:
		tx.goTo(tx.stateCompleted, stateCompleted)
		spinfn = tx.actFinal
	case client_input_timer_a:
		tx.goTo(tx.stateProceeding, stateProceeding)
		spinfn = tx.actResend
	case client_input_timer_b:
		tx.goTo(tx.stateTerminated, stateTerminated)
		spinfn = tx.actTimeout
	case client_input_transport_err:
		tx.goTo(tx.stateTerminated, stateTerminated)
		spinfn = tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete, client_input_timer_d:
		tx.goTo(tx.stateTerminated, stateTerminated)
		spinfn = tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete:
		tx.goTo(tx.stateTerminated, stateTerminated)
		spinfn = tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

// Actions. Each reports the fsmInput to apply next; a transport failure is
// folded into that return value instead of being raised from a second
// goroutine, so the whole chain stays on the call actor that invoked
// spinFsm in the first place.

func (tx *ClientTx) actInviteResend() fsmInput {
	tx.timer_a_time *= 2
	tx.armTimer(timerTagA, tx.timer_a_time)

	if err := tx.resend(); err != nil {
		return client_input_transport_err
	}
	return FsmInputNone
}

func (tx *ClientTx) actResend() fsmInput {
	tx.timer_a_time *= 2
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	tx.armTimer(timerTagA, tx.timer_a_time)

	if err := tx.resend(); err != nil {
		return client_input_transport_err
	}
	return FsmInputNone
}

func (tx *ClientTx) actInviteProceeding() fsmInput {
	tx.fsmPassUp()
	tx.disarmTimer(timerTagA)
	tx.disarmTimer(timerTagB)
	return FsmInputNone
}

func (tx *ClientTx) actInviteFinal() fsmInput {
	tx.disarmTimer(timerTagA)
	tx.disarmTimer(timerTagB)

	ackErr := tx.ack()
	tx.fsmPassUp()
	if ackErr != nil {
		return client_input_transport_err
	}

	tx.armTimer(timerTagD, tx.timer_d_time)
	return FsmInputNone
}

func (tx *ClientTx) actFinal() fsmInput {
	tx.fsmPassUp()
	tx.disarmTimer(timerTagA)
	tx.disarmTimer(timerTagB)

	if tx.timer_d_time > 0 {
		tx.armTimer(timerTagD, tx.timer_d_time)
		return FsmInputNone
	}
	return client_input_delete
}

func (tx *ClientTx) actAckResend() fsmInput {
	// Detect an ACK loop: the peer keeps retransmitting the final response
	// even after receiving our ACK. Slow down instead of hammering it.
	if tx.fsmAck != nil {
		tx.log.Error("ACK loop retransimission. Resending after T2", "tx", tx.Key())
		select {
		case <-tx.done:
			return FsmInputNone
		case <-time.After(T2):
		}
	}
	if err := tx.ack(); err != nil {
		return client_input_transport_err
	}
	return FsmInputNone
}

func (tx *ClientTx) actTransErr() fsmInput {
	tx.disarmTimer(timerTagA)
	return client_input_delete
}

func (tx *ClientTx) actTranErrNoDelete() fsmInput {
	tx.actTransErr()
	return FsmInputNone
}

func (tx *ClientTx) actTimeout() fsmInput {
	tx.disarmTimer(timerTagA)
	return client_input_delete
}

func (tx *ClientTx) actPassup() fsmInput {
	tx.fsmPassUp()
	tx.disarmTimer(timerTagA)
	return FsmInputNone
}

func (tx *ClientTx) actPassupRetransmission() fsmInput {
	tx.passUpRetransmission()
	return FsmInputNone
}

func (tx *ClientTx) actPassupAccept() fsmInput {
	tx.fsmPassUp()
	tx.disarmTimer(timerTagA)
	tx.disarmTimer(timerTagB)
	tx.armTimer(timerTagM, Timer_M)
	return FsmInputNone
}

func (tx *ClientTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ClientTx) fsmPassUp() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}

func (tx *ClientTx) passUpRetransmission() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}

	tx.mu.Lock()
	onResp := tx.onRetransmission
	tx.mu.Unlock()

	if onResp != nil {
		tx.fsmMu.Unlock() // avoid deadlock re-entering the hook
		onResp(lastResp)
		tx.fsmMu.Lock()
		return
	}

	tx.log.Debug("skipped response. Retransimission", "tx", tx.Key())
}
