package protocol

import "github.com/samsamfire/godcm/pkg/hsm"

// Protocol states
const (
	StateTop hsm.StateID = iota
	StateAwaitingFullCom
	StateOutOfService
	StateInitializing
	StateNotified
	StateInService
	StateFinishing
	StateConfirmingOk
	StateConfirmingNOk
	StatePeriodicProcessing
	StatePeriodicResponseProcessing
	StateRoeProcessing
	StateRoeResponseProcessing
	StateWaitForRoeCancellation
	StateRequestProcessing
	StateAwaitingApplication
	StateSendResponsePending
	StateSendResponsePendingForced
	StateSendResponsePendingNormal
	StateCancelling
	StateCancelNoGeneralReject
	StateWaitForProtocol
	StateWaitForTxAndProtocol
	StateCancelWithGeneralReject
	StateSending
	StateNormalSending
	StateNormalSendingProcessing
	StateNormalSendingCancelling
	StatePagedBufferSending
	StatePagedBufferProcessing
	StatePageAvailable
	StatePageRequested
	StatePagedBufferCancelling
	stateCount
)

// Protocol events
const (
	EvProcAbort hsm.EventID = iota
	EvRetry
	EvProcDone
	EvForceRcrrp
	EvTimeout2
	EvCancellationDone
	EvCancelProcessing
	EvProcessPage
	EvProvideTxBuf
	EvTxConfOk
	EvTxConfNotOk
	EvRequestReceived
	EvRequestReceivedRcrrp
	EvReturnFromBootloader
	EvBootloaderTxResponse
	EvRoe
	EvPeriodic
)

var eventNames = []string{
	EvProcAbort:            "PROC_ABORT",
	EvRetry:                "RETRY",
	EvProcDone:             "PROC_DONE",
	EvForceRcrrp:           "FORCE_RCRRP",
	EvTimeout2:             "TIMEOUT2",
	EvCancellationDone:     "CANCELLATION_DONE",
	EvCancelProcessing:     "CANCEL_PROCESSING",
	EvProcessPage:          "PROCESS_PAGE",
	EvProvideTxBuf:         "PROVIDE_TX_BUF",
	EvTxConfOk:             "TX_CONF_OK",
	EvTxConfNotOk:          "TX_CONF_NOT_OK",
	EvRequestReceived:      "REQUEST_RECEIVED",
	EvRequestReceivedRcrrp: "REQUEST_RECEIVED_RCRRP",
	EvReturnFromBootloader: "RETURN_FROM_BL",
	EvBootloaderTxResponse: "BL_TX_RESPONSE",
	EvRoe:                  "ROE",
	EvPeriodic:             "PERIODIC",
}

type (
	state      = hsm.State[*Protocol]
	transition = hsm.Transition[*Protocol]
	action     = func(*Protocol)
)

var (
	evNewJob  = hsm.Events(EvRequestReceived, EvRequestReceivedRcrrp, EvRoe, EvPeriodic)
	evTxConf  = hsm.Events(EvTxConfOk, EvTxConfNotOk)
	evWaiting = hsm.Events(EvProcAbort, EvRetry, EvProcDone, EvCancelProcessing, EvProcessPage, EvTxConfOk, EvTxConfNotOk)
)

func to(ev hsm.EventID, target hsm.StateID, actions ...action) transition {
	return transition{Event: ev, Target: target, Actions: actions}
}

func guarded(ev hsm.EventID, guard func(*Protocol) bool, target hsm.StateID, actions ...action) transition {
	return transition{Event: ev, Guard: guard, Target: target, Actions: actions}
}

func internal(ev hsm.EventID, actions ...action) transition {
	return transition{Event: ev, Target: hsm.NoState, Actions: actions}
}

func not(guard func(*Protocol) bool) func(*Protocol) bool {
	return func(p *Protocol) bool { return !guard(p) }
}

var states = []state{
	StateTop: {
		Name: "Top", Parent: hsm.NoState, Init: StateOutOfService,
		Entry:   (*Protocol).topEntry,
		Ignored: hsm.Events(EvTimeout2, EvForceRcrrp, EvProvideTxBuf, EvReturnFromBootloader, EvBootloaderTxResponse),
	},
	StateAwaitingFullCom: {
		Name: "AwaitingFullCom", Parent: StateTop, Init: hsm.NoState,
		Transitions: []transition{
			internal(EvRetry, (*Protocol).checkFullCommunication),
			guarded(EvBootloaderTxResponse, (*Protocol).responseRequired, StateNormalSending),
			guarded(EvBootloaderTxResponse, not((*Protocol).responseRequired), StateFinishing),
		},
		Ignored: (evWaiting &^ hsm.Events(EvRetry)) | evNewJob | hsm.Events(EvCancellationDone, EvTimeout2, EvForceRcrrp, EvProvideTxBuf),
	},
	StateOutOfService: {
		Name: "OutOfService", Parent: StateTop, Init: StateInitializing,
		Transitions: []transition{
			guarded(EvPeriodic, (*Protocol).txEnabled, StatePeriodicResponseProcessing),
			guarded(EvPeriodic, not((*Protocol).txEnabled), StateNotified, (*Protocol).rejectJob),
			to(EvRequestReceived, StateRequestProcessing),
			to(EvRequestReceivedRcrrp, StateSendResponsePendingNormal),
			guarded(EvRoe, (*Protocol).txEnabled, StateRoeResponseProcessing),
			guarded(EvRoe, not((*Protocol).txEnabled), StateNotified, (*Protocol).rejectJob),
		},
		Ignored:  hsm.Events(EvProcAbort, EvRetry, EvProcDone, EvCancellationDone, EvCancelProcessing, EvProcessPage),
		Deferred: evTxConf,
	},
	StateInitializing: {
		Name: "Initializing", Parent: StateOutOfService, Init: hsm.NoState,
		Transitions: []transition{
			to(EvReturnFromBootloader, StateAwaitingFullCom, (*Protocol).validateBootloaderJob),
		},
	},
	StateNotified: {
		Name: "Notified", Parent: StateOutOfService, Init: hsm.NoState,
		Entry: (*Protocol).notifiedEntry,
	},
	StateInService: {
		Name: "InService", Parent: StateTop, Init: StateRequestProcessing,
		Entry: (*Protocol).inServiceEntry,
		Transitions: []transition{
			internal(EvRetry, (*Protocol).pollService),
		},
		Ignored: evNewJob,
	},
	StateFinishing: {
		Name: "Finishing", Parent: StateInService, Init: StateConfirmingOk,
		Transitions: []transition{
			to(EvProcDone, StateNotified),
		},
		Ignored:  hsm.Events(EvProcAbort, EvCancellationDone, EvCancelProcessing, EvProcessPage),
		Deferred: evTxConf | evNewJob,
	},
	StateConfirmingOk: {
		Name: "ConfirmingOk", Parent: StateFinishing, Init: hsm.NoState,
		Entry: (*Protocol).confirmingOkEntry,
	},
	StateConfirmingNOk: {
		Name: "ConfirmingNOk", Parent: StateFinishing, Init: hsm.NoState,
		Entry: (*Protocol).confirmingNOkEntry,
	},
	StatePeriodicProcessing: {
		Name: "PeriodicProcessing", Parent: StateInService, Init: StatePeriodicResponseProcessing,
		Transitions: []transition{
			to(EvProcAbort, StateNotified, (*Protocol).releaseJob),
			to(EvProcDone, StateSending),
		},
		Ignored: hsm.Events(EvCancellationDone, EvCancelProcessing, EvProcessPage) | evTxConf,
	},
	StatePeriodicResponseProcessing: {
		Name: "PeriodicResponseProcessing", Parent: StatePeriodicProcessing, Init: hsm.NoState,
		Entry: (*Protocol).periodicEntry,
	},
	StateRoeProcessing: {
		Name: "RoeProcessing", Parent: StateInService, Init: StateRoeResponseProcessing,
		Transitions: []transition{
			to(EvCancellationDone, StateNotified),
			to(EvProcessPage, StatePagedBufferSending, (*Protocol).markPaged),
			to(EvProcAbort, StateNotified, (*Protocol).releaseJob),
			to(EvProcDone, StateNormalSending),
		},
		Ignored: evTxConf,
	},
	StateRoeResponseProcessing: {
		Name: "RoeResponseProcessing", Parent: StateRoeProcessing, Init: hsm.NoState,
		Entry: (*Protocol).roeEntry,
		Transitions: []transition{
			to(EvCancelProcessing, StateWaitForRoeCancellation),
		},
	},
	StateWaitForRoeCancellation: {
		Name: "WaitForRoeCancellation", Parent: StateRoeProcessing, Init: hsm.NoState,
		Entry:   (*Protocol).roeCancellationEntry,
		Ignored: evWaiting,
	},
	StateRequestProcessing: {
		Name: "RequestProcessing", Parent: StateInService, Init: StateAwaitingApplication,
		Entry: (*Protocol).requestProcessingEntry,
		Transitions: []transition{
			to(EvCancellationDone, StateNotified),
			to(EvProcessPage, StatePagedBufferSending, (*Protocol).markPaged),
			to(EvProcAbort, StateNotified, (*Protocol).abortRequest),
			to(EvProcDone, StateNormalSending),
		},
	},
	StateAwaitingApplication: {
		Name: "AwaitingApplication", Parent: StateRequestProcessing, Init: hsm.NoState,
		Transitions: []transition{
			to(EvCancelProcessing, StateWaitForProtocol),
			guarded(EvForceRcrrp, (*Protocol).limitReached, StateCancelWithGeneralReject),
			guarded(EvTimeout2, (*Protocol).limitReached, StateCancelWithGeneralReject),
			to(EvForceRcrrp, StateSendResponsePendingForced),
			to(EvTimeout2, StateSendResponsePendingNormal),
		},
		Ignored: evTxConf,
	},
	StateSendResponsePending: {
		Name: "SendResponsePending", Parent: StateRequestProcessing, Init: StateSendResponsePendingNormal,
		Entry: (*Protocol).sendResponsePendingEntry,
		Exit:  (*Protocol).sendResponsePendingExit,
		Transitions: []transition{
			to(EvCancelProcessing, StateWaitForTxAndProtocol),
			to(EvTxConfNotOk, StateWaitForProtocol),
		},
		Ignored:  hsm.Events(EvForceRcrrp),
		Deferred: hsm.Events(EvProcDone, EvTimeout2, EvProcessPage),
	},
	StateSendResponsePendingForced: {
		Name: "SendResponsePendingForced", Parent: StateSendResponsePending, Init: hsm.NoState,
		Transitions: []transition{
			to(EvTxConfOk, StateAwaitingApplication, (*Protocol).acknowledgeForcedResponsePending),
		},
	},
	StateSendResponsePendingNormal: {
		Name: "SendResponsePendingNormal", Parent: StateSendResponsePending, Init: hsm.NoState,
		Transitions: []transition{
			to(EvTxConfOk, StateAwaitingApplication),
		},
	},
	StateCancelling: {
		Name: "Cancelling", Parent: StateRequestProcessing, Init: StateCancelWithGeneralReject,
		Entry: (*Protocol).cancellingEntry,
	},
	StateCancelNoGeneralReject: {
		Name: "CancelNoGeneralReject", Parent: StateCancelling, Init: StateWaitForProtocol,
	},
	StateWaitForProtocol: {
		Name: "WaitForProtocol", Parent: StateCancelNoGeneralReject, Init: hsm.NoState,
		Entry:   (*Protocol).waitForProtocolEntry,
		Ignored: evWaiting,
	},
	StateWaitForTxAndProtocol: {
		Name: "WaitForTxAndProtocol", Parent: StateCancelNoGeneralReject, Init: hsm.NoState,
		Entry:   (*Protocol).waitForTxAndProtocolEntry,
		Ignored: evWaiting,
	},
	StateCancelWithGeneralReject: {
		Name: "CancelWithGeneralReject", Parent: StateCancelling, Init: hsm.NoState,
		Entry: (*Protocol).generalRejectEntry,
		Transitions: []transition{
			internal(EvCancelProcessing, (*Protocol).cancelGeneralRejectTransmit),
		},
		Ignored: hsm.Events(EvProcAbort, EvRetry, EvProcDone, EvProcessPage) | evTxConf,
	},
	StateSending: {
		Name: "Sending", Parent: StateInService, Init: StateNormalSending,
		Entry: (*Protocol).sendingEntry,
		Transitions: []transition{
			to(EvCancellationDone, StateConfirmingNOk),
			to(EvTxConfNotOk, StateConfirmingNOk),
			to(EvTxConfOk, StateConfirmingOk),
		},
		Ignored: hsm.Events(EvProcAbort, EvProcDone, EvProcessPage),
	},
	StateNormalSending: {
		Name: "NormalSending", Parent: StateSending, Init: StateNormalSendingProcessing,
	},
	StateNormalSendingProcessing: {
		Name: "NormalSendingProcessing", Parent: StateNormalSending, Init: hsm.NoState,
		Transitions: []transition{
			to(EvCancelProcessing, StateNormalSendingCancelling),
		},
	},
	StateNormalSendingCancelling: {
		Name: "NormalSendingCancelling", Parent: StateNormalSending, Init: hsm.NoState,
		Entry:   (*Protocol).normalSendingCancellingEntry,
		Ignored: hsm.Events(EvCancelProcessing),
	},
	StatePagedBufferSending: {
		Name: "PagedBufferSending", Parent: StateSending, Init: StatePagedBufferProcessing,
	},
	StatePagedBufferProcessing: {
		Name: "PagedBufferProcessing", Parent: StatePagedBufferSending, Init: StatePageAvailable,
		Transitions: []transition{
			to(EvCancelProcessing, StatePagedBufferCancelling),
		},
	},
	StatePageAvailable: {
		Name: "PageAvailable", Parent: StatePagedBufferProcessing, Init: hsm.NoState,
		Transitions: []transition{
			to(EvProvideTxBuf, StatePageRequested, (*Protocol).updatePage),
		},
	},
	StatePageRequested: {
		Name: "PageRequested", Parent: StatePagedBufferProcessing, Init: hsm.NoState,
		Transitions: []transition{
			to(EvProcessPage, StatePageAvailable, (*Protocol).processNextPage),
		},
	},
	StatePagedBufferCancelling: {
		Name: "PagedBufferCancelling", Parent: StatePagedBufferSending, Init: hsm.NoState,
		Entry:   (*Protocol).pagedBufferCancellingEntry,
		Ignored: hsm.Events(EvCancelProcessing),
	},
}

// Built in init to break the initialization cycle through the action methods
var dcmChart *hsm.Chart[*Protocol]

func init() {
	dcmChart = mustChart()
}

func mustChart() *hsm.Chart[*Protocol] {
	chart, err := hsm.NewChart("DCM", states, StateTop, eventNames)
	if err != nil {
		panic(err)
	}
	return chart
}

func StateName(s hsm.StateID) string {
	return dcmChart.StateName(s)
}
