package protocol

import (
	"fmt"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/cancel"
	"github.com/samsamfire/godcm/pkg/processor"
	"github.com/samsamfire/godcm/pkg/service"
)

const (
	sidSessionControl = 0x10
	sidEcuReset       = 0x11
	sidClearDtcObd    = 0x04
	sidVehicleInfoObd = 0x09
	sidObdFirst       = 0x01
	sidObdLast        = 0x0A

	// Rapid power shutdown sub functions do not reset the ecu
	ecuResetEnableRapidShutdown  = 0x04
	ecuResetDisableRapidShutdown = 0x05
)

func isObd(sid byte) bool {
	return sid >= sidObdFirst && sid <= sidObdLast
}

func sub(a uint32, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

func (p *Protocol) topEntry() {
	p.next = nil
	p.job = nil
	p.cancellation.Reset()
	p.asyncCancel = asyncCancelNone
	p.retryTimer = 0
	p.p2Running = false
	p.rpStatus = rpNoData
}

func (p *Protocol) inServiceEntry() {
	p.cancellation.Reset()
	p.asyncCancel = asyncCancelNone
	p.retryTimer = 0
	p.simulate = false
	p.paged = false
	p.validated = false
	p.txOutstanding = false
	p.rpCntr, p.rpCntrConfirmed = 0, 0
	p.rpForcedCntr, p.rpForcedCntrConfirmed = 0, 0
	p.rpStatus = rpNoData
	p.entry = service.Entry{}

	p.job, p.next = p.next, nil
	if p.job == nil || p.job.Buffers.Released() {
		p.setFault(fmt.Errorf("%w : service started without a job", dcm.ErrContractViolation))
		p.job = nil
		p.msg = dcm.MsgContext{Protocol: p.cfg.ID}
		return
	}
	p.jobLog = p.logger.WithField("job", p.job.ID)
	set := p.job.Buffers
	rx := set.Rx.Bytes()
	p.msg = dcm.MsgContext{Protocol: p.cfg.ID, Kind: p.job.Kind}
	if len(rx) > 0 {
		p.msg.SID = rx[0]
		p.msg.Request = rx[1:]
	}
	p.msg.Response = set.Tx.Data[1:]
	p.jobLog.Debugf("processing %v request, sid %x", p.job.Kind, p.msg.SID)

	if p.job.Kind == dcm.RequestBootloader {
		p.fillBootloaderResponse()
	}
	if p.job.Kind.IsNormal() {
		p.startP2(sub(p.cfg.P2, p.cfg.P2Adjust))
	}
}

func (p *Protocol) notifiedEntry() {
	p.stopP2()
	p.retryTimer = 0
	if p.job != nil {
		if !p.job.Buffers.Released() {
			p.jobLog.Warnf("job ended without releasing its buffers")
			p.releaseJob()
		}
		if p.job.Kind.IsNormal() || p.job.Kind == dcm.RequestBootloader {
			p.sup.ProcessingEnd(p.cfg.ID)
		}
		p.jobLog.Debugf("job done, nrc %x", p.msg.Nrc)
	}
	p.validated = false
	p.job = nil
	p.jobLog = p.logger
}

// Reject a job that cannot run because the transmit channel is disabled
func (p *Protocol) rejectJob() {
	if p.next != nil {
		p.logger.Warnf("no full communication, dropping %v job %v", p.next.Kind, p.next.ID)
		if err := p.next.Buffers.Release(); err != nil {
			p.setFault(err)
		}
		p.next = nil
	}
	p.sup.ProtocolFree(p.cfg.ID)
}

func (p *Protocol) txEnabled() bool {
	return p.sup.CommunicationEnabled(p.cfg.ID)
}

// Free the job buffers and report the protocol free
func (p *Protocol) releaseJob() {
	if p.job != nil && !p.job.Buffers.Released() {
		if err := p.job.Buffers.Release(); err != nil {
			p.setFault(err)
		}
	}
	p.sup.ProtocolFree(p.cfg.ID)
}

func (p *Protocol) abortRequest() {
	p.stopP2()
	p.releaseJob()
}

func (p *Protocol) markPaged() {
	p.paged = true
}

// Look up the handler for the request and make the first call
func (p *Protocol) dispatchService() {
	entry, ok := p.services.Lookup(p.cfg.ID, p.msg.SID)
	if !ok || entry.Handler == nil {
		p.jobLog.Debugf("service %x not supported", p.msg.SID)
		p.msg.SetNegativeResponse(dcm.NrcServiceNotSupported)
		p.emit(EvProcDone)
		return
	}
	p.entry = entry
	if entry.SubFunction && len(p.msg.Request) > 0 && p.msg.Request[0]&dcm.SuppressPositiveBit != 0 {
		p.msg.SuppressPositive = true
		p.msg.Request[0] &^= dcm.SuppressPositiveBit
	}
	if len(p.msg.Request) < entry.MinLength {
		p.msg.SetNegativeResponse(dcm.NrcIncorrectMessageLength)
		p.emit(EvProcDone)
		return
	}
	p.validated = true
	p.svcFunc(dcm.OpInitial)
}

func (p *Protocol) request() *processor.Request {
	mode := p.entry.Mode
	if p.job != nil && p.job.Kind == dcm.RequestRoeType2 {
		mode = dcm.ModeSync
	}
	return &processor.Request{
		Handler:      p.entry.Handler,
		Kind:         p.entry.Kind,
		Mode:         mode,
		Msg:          &p.msg,
		KeepOnCancel: p.cancellation.Kind() == cancel.KindPagedBuffer,
	}
}

// Call the service handler through the processor and turn the outcome into events
func (p *Protocol) svcFunc(op dcm.OpStatus) {
	action, err := p.proc.Call(p.cfg.Group, p.cfg.ID, op, p.request())
	if err != nil {
		p.setFault(err)
		return
	}
	p.jobLog.Debugf("service %x %v -> %v", p.msg.SID, op, action)
	switch action {
	case processor.ActionRetry:
		p.retryTimer = 1
	case processor.ActionCancelNextCycle:
		p.asyncCancel = asyncCancelNextCycle
	case processor.ActionCancelPending:
		p.asyncCancel = asyncCancelPending
	case processor.ActionForceResponsePending:
		p.rpForcedCntr++
		p.emit(EvForceRcrrp)
	case processor.ActionProcessPage:
		p.emit(EvProcessPage)
	case processor.ActionAbort:
		p.emit(EvProcAbort)
	case processor.ActionDone:
		p.emit(EvProcDone)
	case processor.ActionCancelled:
		p.asyncCancel = asyncCancelNone
		p.cancellationDone(true)
	}
}

func (p *Protocol) pollService() {
	p.svcFunc(dcm.OpPending)
}

// Halt the service handler, or report it halted when it has nothing left to run
func (p *Protocol) cancelProcessing() {
	if !p.hasHandler() || p.proc.ServiceDone(p.cfg.Group, p.cfg.ID) {
		p.cancellationDone(true)
		return
	}
	p.svcFunc(dcm.OpCancel)
}

func (p *Protocol) hasHandler() bool {
	return p.validated && p.entry.Handler != nil
}

// Record one halt of the running cancellation. Once every halt the kind
// expects is in, the job is released and CancellationDone emitted.
func (p *Protocol) cancellationDone(service bool) {
	kind := p.cancellation.Kind()
	if kind == cancel.KindNone {
		return
	}
	var completed bool
	var err error
	if service {
		if !kind.StopsService() {
			return
		}
		if owner := p.proc.Owner(p.cfg.Group); owner == p.cfg.ID && kind != cancel.KindPagedBuffer {
			if err := p.proc.Release(p.cfg.Group, p.cfg.ID); err != nil {
				p.setFault(err)
			}
		}
		completed, err = p.cancellation.NotifyServiceDone()
	} else {
		completed, err = p.cancellation.NotifyTxDone()
	}
	if err != nil {
		p.setFault(err)
		return
	}
	if completed {
		p.jobLog.Debugf("cancellation %v complete", kind)
		if kind == cancel.KindPagedBuffer && p.proc.Owner(p.cfg.Group) == p.cfg.ID {
			if err := p.proc.Release(p.cfg.Group, p.cfg.ID); err != nil {
				p.setFault(err)
			}
		}
		p.releaseJob()
		p.emit(EvCancellationDone)
	}
}

// Guard for the general reject, response pending limit reached
func (p *Protocol) limitReached() bool {
	return p.cfg.MaxResponsePending != InfiniteResponsePending && p.rpCntr >= p.cfg.MaxResponsePending
}

func (p *Protocol) respPendInFirstCycle() {
	if p.validated && p.job != nil && p.job.Kind.IsNormal() && p.cfg.P2 == p.cfg.P2Adjust+1 {
		p.startP2(0)
	}
}

func (p *Protocol) requestProcessingEntry() {
	p.rpForcedCntr = 0
	p.rpForcedCntrConfirmed = 0
	p.dispatchService()
	if p.rpCntr == 0 && p.rpCntrConfirmed == 0 {
		p.respPendInFirstCycle()
	}
}

func (p *Protocol) sendResponsePendingEntry() {
	p.msg.SuppressPositive = false
	if p.rpCntr == p.rpCntrConfirmed && p.rpStatus != rpConfirmedTx {
		p.rpStatus = rpPendingConf
		p.rpCntr++
		p.jobLog.Debugf("sending response pending %v", p.rpCntr)
		p.transmit(p.nrcFrame(dcm.NrcResponsePending), false)
	}
	p.stopP2()
}

func (p *Protocol) sendResponsePendingExit() {
	adjust := p.cfg.P2StarAdjust
	if p.cfg.P2Star <= adjust {
		adjust = 0
	}
	p.startP2(p.cfg.P2Star - adjust)
	p.rpStatus = rpNoData
}

func (p *Protocol) acknowledgeForcedResponsePending() {
	p.svcFunc(dcm.OpForceRcrrpOk)
}

func (p *Protocol) cancellingEntry() {
	p.stopP2()
	p.retryTimer = 0
}

func (p *Protocol) waitForProtocolEntry() {
	p.cancellation.Request(cancel.KindNoTx)
	p.cancelProcessing()
}

func (p *Protocol) waitForTxAndProtocolEntry() {
	p.cancellation.Request(cancel.KindTx)
	p.cancelProcessing()
	if !p.txOutstanding {
		// confirmation already consumed before the cancel came in
		p.cancellationDone(false)
		return
	}
	p.tx.CancelTransmit(p.cfg.ID)
}

func (p *Protocol) generalRejectEntry() {
	nrc := dcm.NrcGeneralReject
	if p.msg.SID == sidClearDtcObd || p.msg.SID == sidVehicleInfoObd {
		nrc = dcm.NrcConditionsNotCorrect
	}
	p.msg.Nrc = nrc
	p.jobLog.Warnf("response pending limit %v reached, general reject", p.cfg.MaxResponsePending)
	p.cancellation.Request(cancel.KindTx)
	p.transmit(p.nrcFrame(nrc), false)
	p.cancelProcessing()
}

func (p *Protocol) cancelGeneralRejectTransmit() {
	if !p.cancellation.TxDone() {
		p.tx.CancelTransmit(p.cfg.ID)
	}
}

func (p *Protocol) roeEntry() {
	p.dispatchService()
}

func (p *Protocol) roeCancellationEntry() {
	p.cancellation.Request(cancel.KindRoe)
	p.cancelProcessing()
}

func (p *Protocol) periodicEntry() {
	if p.cfg.Periodic == nil {
		p.jobLog.Warnf("no periodic handler configured")
		p.emit(EvProcAbort)
		return
	}
	switch p.cfg.Periodic(&p.msg) {
	case dcm.ResultOk, dcm.ResultDone:
		p.emit(EvProcDone)
	default:
		p.emit(EvProcAbort)
	}
}

// Whether the response of the running job must not reach the bus
func (p *Protocol) suppressResponse() bool {
	if p.rpCntr != 0 && !isObd(p.msg.SID) {
		return false
	}
	if p.msg.Kind == dcm.RequestPeriodic {
		return false
	}
	if p.msg.Nrc != dcm.NrcOk {
		if p.msg.IsFunctional() {
			switch p.msg.Nrc {
			case dcm.NrcServiceNotSupported, dcm.NrcSubFunctionNotSupported, dcm.NrcRequestOutOfRange:
				return true
			case dcm.NrcSubFunctionNotSupportedInSession, dcm.NrcServiceNotSupportedInSession:
				if p.cfg.Iso2013 {
					return true
				}
			}
		}
		return isObd(p.msg.SID) && p.msg.SuppressPositive && p.msg.Nrc == dcm.NrcServiceNotSupported
	}
	return p.msg.SuppressPositive
}

func (p *Protocol) sendingEntry() {
	p.simulate = p.suppressResponse()
	if p.job == nil {
		return
	}
	switch {
	case p.msg.Nrc != dcm.NrcOk:
		p.transmit(p.nrcFrame(p.msg.Nrc), p.simulate)
	case p.paged && !p.pageFits(len(p.job.Buffers.Tx.Data)-1):
		p.jobLog.Warnf("first page of %v bytes exceeds tx buffer", p.msg.PageLength)
		p.paged = false
		p.msg.Nrc = dcm.NrcResponseTooLong
		p.transmit(p.nrcFrame(p.msg.Nrc), p.simulate)
	case p.paged:
		tx := p.job.Buffers.Tx
		tx.Data[0] = p.msg.SID + dcm.PositiveResponseOffset
		first := tx.Data[:1+p.msg.PageLength]
		p.txOutstanding = true
		if err := p.tx.TransmitPaged(p.cfg.ID, first, 1+p.msg.ResponseLength); err != nil {
			p.jobLog.Errorf("paged transmission failed : %v", err)
			p.transmissionFinished(false)
		}
	default:
		tx := p.job.Buffers.Tx
		if 1+p.msg.ResponseLength > len(tx.Data) {
			p.msg.Nrc = dcm.NrcResponseTooLong
			p.transmit(p.nrcFrame(p.msg.Nrc), p.simulate)
			break
		}
		tx.Data[0] = p.msg.SID + dcm.PositiveResponseOffset
		tx.Length = 1 + p.msg.ResponseLength
		p.transmit(tx.Bytes(), p.simulate)
	}
	if p.job.Kind.IsNormal() {
		p.stopP2()
	}
}

func (p *Protocol) normalSendingCancellingEntry() {
	p.cancellation.Request(cancel.KindNormalSending)
	if !p.txOutstanding {
		p.cancellationDone(false)
		return
	}
	p.tx.CancelTransmit(p.cfg.ID)
}

func (p *Protocol) pagedBufferCancellingEntry() {
	p.cancellation.Request(cancel.KindPagedBuffer)
	p.cancelProcessing()
	if !p.txOutstanding {
		p.cancellationDone(false)
		return
	}
	p.tx.CancelTransmit(p.cfg.ID)
}

func (p *Protocol) updatePage() {
	p.msg.PageLength = 0
	p.svcFunc(dcm.OpUpdatePage)
}

// Page length must stay within the response buffer
func (p *Protocol) pageFits(size int) bool {
	return p.msg.PageLength >= 0 && p.msg.PageLength <= size && p.msg.PageLength <= len(p.msg.Response)
}

func (p *Protocol) processNextPage() {
	if !p.pageFits(len(p.msg.Response)) {
		p.jobLog.Warnf("page of %v bytes exceeds response buffer", p.msg.PageLength)
		p.emit(EvCancelProcessing)
		return
	}
	page := p.msg.Response[:p.msg.PageLength]
	if err := p.tx.ProcessNextTxBuffer(p.cfg.ID, page); err != nil {
		p.jobLog.Errorf("next page rejected : %v", err)
		p.emit(EvCancelProcessing)
	}
}

func (p *Protocol) confirmingOkEntry() {
	status := dcm.ConfirmationPosOk
	if p.msg.Nrc != dcm.NrcOk {
		status = dcm.ConfirmationNegOk
	}
	p.confirm(status)
}

func (p *Protocol) confirmingNOkEntry() {
	status := dcm.ConfirmationPosNotOk
	if p.msg.Nrc != dcm.NrcOk {
		status = dcm.ConfirmationNegNotOk
	}
	p.confirm(status)
}

// Report the transmission outcome to whoever produced the response
func (p *Protocol) confirm(status dcm.ConfirmationStatus) {
	if p.job == nil || p.job.Kind == dcm.RequestPeriodic {
		p.emit(EvProcDone)
		return
	}
	if p.job.Kind == dcm.RequestBootloader {
		if !p.job.ResponseRequired {
			p.releaseJob()
			p.sup.DisinhibitRequestProcessing()
		}
		p.emit(EvProcDone)
		return
	}
	if p.hasHandler() && p.entry.Kind == dcm.HandlerInternal {
		op := dcm.OpConfirmedOk
		if status == dcm.ConfirmationPosNotOk || status == dcm.ConfirmationNegNotOk {
			op = dcm.OpConfirmedNotOk
		}
		p.svcFunc(op)
		return
	}
	if p.hasHandler() && p.entry.Confirmation != nil {
		p.entry.Confirmation(&p.msg, status)
	}
	if p.hasHandler() && p.proc.Owner(p.cfg.Group) == p.cfg.ID {
		// external handlers that finished with Done still hold the slot
		if err := p.proc.Release(p.cfg.Group, p.cfg.ID); err != nil {
			p.setFault(err)
		}
	}
	p.emit(EvProcDone)
}

func (p *Protocol) nrcFrame(nrc dcm.Nrc) []byte {
	if p.job == nil || p.job.Buffers.Released() {
		return nil
	}
	b := p.job.Buffers.Nrc
	b.Data[0] = dcm.NegativeResponseSid
	b.Data[1] = p.msg.SID
	b.Data[2] = byte(nrc)
	b.Length = 3
	return b.Bytes()
}

// Hand a frame to the transport. A refused transmission is confirmed as failed.
func (p *Protocol) transmit(data []byte, simulate bool) {
	if data == nil {
		return
	}
	p.txOutstanding = true
	if err := p.tx.Transmit(p.cfg.ID, data, simulate); err != nil {
		p.jobLog.Errorf("transmission failed : %v", err)
		p.transmissionFinished(false)
	}
}

func (p *Protocol) transmissionFinished(ok bool) {
	if !p.txOutstanding {
		p.logger.Warnf("unexpected transmission confirmation (ok=%v)", ok)
		return
	}
	p.txOutstanding = false
	if p.job != nil && p.job.Kind.IsNormal() && p.msg.SID == sidEcuReset && ok &&
		p.msg.Nrc == dcm.NrcOk && p.rpStatus != rpPendingConf && len(p.msg.Request) > 0 &&
		p.msg.Request[0] != ecuResetEnableRapidShutdown && p.msg.Request[0] != ecuResetDisableRapidShutdown {
		p.jobLog.Infof("ecu reset confirmed, inhibiting request processing")
		p.sup.InhibitRequestProcessing()
	}

	if p.rpCntrConfirmed != p.rpCntr {
		if p.cfg.MaxResponsePending == InfiniteResponsePending && p.rpCntr == InfiniteResponsePending {
			p.rpCntr--
			if p.rpForcedCntr != p.rpForcedCntrConfirmed {
				p.rpForcedCntr--
			}
		} else {
			p.rpCntrConfirmed++
			if p.rpForcedCntr != p.rpForcedCntrConfirmed {
				p.rpForcedCntrConfirmed++
			}
		}
	}

	kind := p.cancellation.Kind()
	if p.rpStatus == rpPendingConf && ok && kind == cancel.KindNone {
		p.rpStatus = rpConfirmedTx
	} else {
		if kind != cancel.KindNone {
			p.cancellationDone(false)
		} else if p.rpStatus != rpPendingConf {
			p.releaseJob()
		}
		p.retryTimer = 0
		if p.rpStatus == rpPendingConf {
			p.rpStatus = rpConfirmedTx
		}
	}

	if kind == cancel.KindNone {
		if ok {
			p.emit(EvTxConfOk)
		} else {
			p.emit(EvTxConfNotOk)
		}
	}

	if p.job != nil && p.job.Kind == dcm.RequestBootloader {
		p.sup.DisinhibitRequestProcessing()
	}
}

func (p *Protocol) validateBootloaderJob() {
	job := p.next
	if job == nil {
		return
	}
	rx := job.Buffers.Rx.Bytes()
	if len(rx) < 2 || (rx[0] != sidSessionControl && rx[0] != sidEcuReset) {
		p.logger.Warnf("bootloader return with unsupported request %x, no response sent", rx)
		job.ResponseRequired = false
	}
	p.retryTimer = 1
}

func (p *Protocol) checkFullCommunication() {
	if p.sup.CommunicationEnabled(p.cfg.ID) {
		p.emit(EvBootloaderTxResponse)
		return
	}
	p.retryTimer = 1
}

func (p *Protocol) responseRequired() bool {
	return p.next != nil && p.next.ResponseRequired
}

// Final response of a request answered by the bootloader
func (p *Protocol) fillBootloaderResponse() {
	if len(p.msg.Request) == 0 {
		return
	}
	resp := p.msg.Response
	resp[0] = p.msg.Request[0]
	p.msg.ResponseLength = 1
	if p.msg.SID == sidSessionControl && len(resp) >= 5 {
		p2Star := p.cfg.P2StarServerMax / 10
		resp[1] = byte(p.cfg.P2ServerMax >> 8)
		resp[2] = byte(p.cfg.P2ServerMax)
		resp[3] = byte(p2Star >> 8)
		resp[4] = byte(p2Star)
		p.msg.ResponseLength = 5
	}
}
