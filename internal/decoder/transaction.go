package decoder

import (
	"usblens/internal/capture"
	"usblens/internal/usb"
)

// transactionStatus classifies how a packet relates to the transaction
// in progress.
type transactionStatus int

const (
	txNew transactionStatus = iota
	txContinue
	txRetry
	txDone
	txFail
	txAmbiguous
	txInvalid
)

// transactionState tracks the transaction currently in flight. The bus
// carries one transaction at a time, so a single instance suffices.
type transactionState struct {
	id    capture.TransactionID
	last  usb.PID
	first usb.PID // token PID; for splits, the inner token once seen

	split   *usb.SplitFields
	splitSC usb.StartComplete

	endpoint     capture.EndpointID
	endpointSet  bool
	endpointType usb.EndpointType
	typeKnown    bool
	epTxnID      capture.EndpointTransactionID
	epTxnAdded   bool
	setup        *usb.SetupFields
	payload      []byte
	payloadSet   bool
}

// startPID returns the token PID that identifies this transaction.
func (t *transactionState) startPID() usb.PID {
	return t.first
}

// classify determines the status of the next packet given the current
// transaction state. The transition table follows the USB 2.0 spec,
// including split transactions and the isochronous no-handshake rule.
func classify(t *transactionState, packet []byte) (usb.PID, transactionStatus) {
	pid, valid := usb.Validate(packet)
	if !valid {
		pid = usb.PIDMalformed
	}

	if t == nil {
		switch pid {
		case usb.PIDSof, usb.PIDSetup, usb.PIDIn, usb.PIDOut, usb.PIDPing, usb.PIDSplit:
			return pid, txNew
		case usb.PIDMalformed:
			return pid, txNew
		}
		return pid, txInvalid
	}

	if t.split != nil {
		return pid, classifySplit(t, pid, packet)
	}
	return pid, classifySimple(t, pid, packet)
}

func classifySimple(t *transactionState, pid usb.PID, packet []byte) transactionStatus {
	first, last := t.first, t.last
	switch {
	// These tokens always start a new transaction.
	case pid == usb.PIDSetup || pid == usb.PIDIn || pid == usb.PIDOut ||
		pid == usb.PIDPing || pid == usb.PIDSplit:
		return txNew

	// SOFs and malformed packets accumulate into runs.
	case last == usb.PIDSof && pid == usb.PIDSof:
		return txContinue
	case last == usb.PIDMalformed && pid == usb.PIDMalformed:
		return txContinue
	case pid == usb.PIDSof || pid == usb.PIDMalformed:
		return txNew

	// SETUP must be followed by DATA0 carrying exactly 8 setup bytes.
	case last == usb.PIDSetup && pid == usb.PIDData0:
		if len(packet) == 11 {
			return txContinue
		}
		return txInvalid

	// ACK completes the setup stage.
	case first == usb.PIDSetup && last == usb.PIDData0 && pid == usb.PIDAck:
		return txDone

	// IN may fail immediately with NAK or STALL.
	case last == usb.PIDIn && (pid == usb.PIDNak || pid == usb.PIDStall):
		return txFail

	// IN or OUT data arrives.
	case (last == usb.PIDIn || last == usb.PIDOut) &&
		(pid == usb.PIDData0 || pid == usb.PIDData1):
		if !t.typeKnown {
			return txAmbiguous
		}
		if t.endpointType == usb.EndpointIsochronous {
			return txDone
		}
		return txContinue

	// Handshake after data completes or fails the transaction.
	case (first == usb.PIDIn || first == usb.PIDOut) &&
		(last == usb.PIDData0 || last == usb.PIDData1):
		switch pid {
		case usb.PIDAck, usb.PIDNyet:
			return txDone
		case usb.PIDNak, usb.PIDStall:
			if first == usb.PIDOut {
				return txFail
			}
		}
		return txInvalid

	// PING is answered by a handshake.
	case last == usb.PIDPing && pid == usb.PIDAck:
		return txDone
	case last == usb.PIDPing && (pid == usb.PIDNak || pid == usb.PIDStall):
		return txFail
	}
	return txInvalid
}

func classifySplit(t *transactionState, pid usb.PID, packet []byte) transactionStatus {
	if pid == usb.PIDSetup || pid == usb.PIDIn || pid == usb.PIDOut ||
		pid == usb.PIDPing || pid == usb.PIDSplit {
		// A token following the SPLIT header is the inner transaction;
		// any other token placement starts a new transaction.
		if t.last == usb.PIDSplit &&
			(pid == usb.PIDSetup || pid == usb.PIDIn || pid == usb.PIDOut) {
			return txContinue
		}
		return txNew
	}
	if pid == usb.PIDSof || pid == usb.PIDMalformed {
		return txNew
	}

	epType := t.split.EndpointType
	sc := t.split.SC
	last := t.last

	switch epType {
	case usb.EndpointControl, usb.EndpointBulk:
		if sc == usb.SplitStart {
			switch {
			case last == usb.PIDSetup && pid == usb.PIDData0 && len(packet) == 11:
				return txContinue
			case (last == usb.PIDOut) && (pid == usb.PIDData0 || pid == usb.PIDData1):
				return txContinue
			case (last == usb.PIDData0 || last == usb.PIDData1) && pid == usb.PIDAck:
				return txDone
			case (last == usb.PIDData0 || last == usb.PIDData1) && pid == usb.PIDNak:
				return txFail
			case last == usb.PIDIn && pid == usb.PIDAck:
				return txDone
			case last == usb.PIDIn && pid == usb.PIDNak:
				return txFail
			}
			return txInvalid
		}
		switch {
		case (last == usb.PIDSetup || last == usb.PIDOut) && pid == usb.PIDAck:
			return txDone
		case (last == usb.PIDSetup || last == usb.PIDOut) && pid == usb.PIDNyet:
			return txRetry
		case (last == usb.PIDSetup || last == usb.PIDOut) &&
			(pid == usb.PIDNak || pid == usb.PIDStall):
			return txFail
		case last == usb.PIDIn && (pid == usb.PIDData0 || pid == usb.PIDData1):
			return txDone
		case last == usb.PIDIn && pid == usb.PIDNyet:
			return txRetry
		case last == usb.PIDIn && (pid == usb.PIDNak || pid == usb.PIDStall):
			return txFail
		}
		return txInvalid

	case usb.EndpointInterrupt:
		if sc == usb.SplitStart {
			switch {
			case last == usb.PIDOut && (pid == usb.PIDData0 || pid == usb.PIDData1):
				return txDone
			case last == usb.PIDIn:
				return txDone
			}
			return txInvalid
		}
		switch {
		case last == usb.PIDOut && pid == usb.PIDAck:
			return txDone
		case last == usb.PIDOut && pid == usb.PIDNyet:
			return txRetry
		case last == usb.PIDOut &&
			(pid == usb.PIDNak || pid == usb.PIDStall || pid == usb.PIDErr):
			return txFail
		case last == usb.PIDIn &&
			(pid == usb.PIDData0 || pid == usb.PIDData1 || pid == usb.PIDMdata):
			return txDone
		case last == usb.PIDIn && pid == usb.PIDNyet:
			return txRetry
		case last == usb.PIDIn &&
			(pid == usb.PIDNak || pid == usb.PIDStall || pid == usb.PIDErr):
			return txFail
		}
		return txInvalid

	case usb.EndpointIsochronous:
		if sc == usb.SplitStart {
			switch {
			case last == usb.PIDOut && pid == usb.PIDData0:
				return txDone
			case last == usb.PIDIn:
				return txDone
			}
			return txInvalid
		}
		switch {
		case last == usb.PIDIn && (pid == usb.PIDData0 || pid == usb.PIDMdata):
			return txDone
		case last == usb.PIDIn && pid == usb.PIDNyet:
			return txRetry
		case last == usb.PIDIn && pid == usb.PIDErr:
			return txFail
		}
		return txInvalid
	}
	return txInvalid
}

// extractPayload captures setup fields or data payload from a data
// packet belonging to this transaction.
func (t *transactionState) extractPayload(pid usb.PID, packet []byte) {
	switch {
	case t.last == usb.PIDSetup && pid == usb.PIDData0:
		f := usb.ParseSetup(packet)
		t.setup = &f
	case pid == usb.PIDData0 || pid == usb.PIDData1 ||
		pid == usb.PIDData2 || pid == usb.PIDMdata:
		if len(packet) >= 3 {
			t.payload = append([]byte(nil), packet[1:len(packet)-2]...)
			t.payloadSet = true
		}
	}
}

// result maps the final state of a transaction to its stored outcome.
func (t *transactionState) result(success, complete bool) capture.TransactionResult {
	switch t.last {
	case usb.PIDAck:
		return capture.ResultAck
	case usb.PIDNak:
		return capture.ResultNak
	case usb.PIDStall:
		return capture.ResultStall
	case usb.PIDNyet:
		return capture.ResultNyet
	case usb.PIDErr:
		return capture.ResultErr
	case usb.PIDMalformed:
		return capture.ResultMalformed
	case usb.PIDSof:
		return capture.ResultNone
	}
	if t.typeKnown && t.endpointType == usb.EndpointIsochronous && t.payloadSet {
		return capture.ResultNone
	}
	if success && complete {
		return capture.ResultNone
	}
	return capture.ResultTimeout
}
