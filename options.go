package milter

import (
	"time"
)

// NewMilterFunc is the signature of a function that can be used with [WithDynamicMilter] to configure the [Milter] backend.
// The parameters version, action, protocol and maxData are the negotiated values.
type NewMilterFunc func(version uint32, action OptAction, protocol OptProtocol, maxData DataSize) Milter

// NegotiationCallbackFunc is the signature of a [WithNegotiationCallback] function.
// With this callback function you can override the negotiation process.
type NegotiationCallbackFunc func(mtaVersion, milterVersion uint32, mtaActions, milterActions OptAction, mtaProtocol, milterProtocol OptProtocol, offeredDataSize DataSize) (version uint32, actions OptAction, protocol OptProtocol, maxDataSize DataSize, err error)

type options struct {
	maxVersion                uint32
	actions                   OptAction
	protocol                  OptProtocol
	readTimeout, writeTimeout time.Duration
	usedMaxData               DataSize
	macrosByStage             macroRequests
	newMilter                 NewMilterFunc
	negotiationCallback       NegotiationCallbackFunc
	backendFactory            BackendFactory
	headerLeadingSpace        bool
	maxBodySize               uint32
	hookTimeout               time.Duration
	hookTimeoutResponse       *Response
	queueSize                 int
	drainTimeout              time.Duration
}

// Option can be used to configure a [Server].
type Option func(*options)

// WithAction adds action to the actions your [Milter] needs. You need to specify this since this library cannot
// guess what your milter needs.
// 0 is a valid value when your milter does not need any message modifications.
func WithAction(action OptAction) Option {
	return func(h *options) {
		h.actions = h.actions | action
	}
}

// WithoutAction removes action from the list of actions this [Milter] needs.
func WithoutAction(action OptAction) Option {
	return func(h *options) {
		h.actions = h.actions & ^action
	}
}

// WithActions sets the actions your [Milter] needs. You need to specify this since this library cannot
// guess what your milter needs.
// 0 is a valid value when your milter does not need any message modifications.
func WithActions(actions OptAction) Option {
	return func(h *options) {
		h.actions = actions
	}
}

// WithProtocol adds protocol to the protocol features your [Milter] needs.
// Specify this option to instruct the MTA to not send any events that your [Milter] does not need or to not expect any response from events that you are not using to accept or reject an SMTP transaction.
func WithProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol | protocol
	}
}

// WithoutProtocol removes protocol from the list of protocol features this [Milter] requests.
func WithoutProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol & ^protocol
	}
}

// WithProtocols sets the protocol features your [Milter] needs.
// Specify this option to instruct the MTA to not send any events that your [Milter] does not need or to not expect any response from events that you are not using to accept or reject an SMTP transaction.
func WithProtocols(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = protocol
	}
}

// WithMaximumVersion sets the maximum milter protocol version your milter accepts.
// The default is to use the maximum supported version.
func WithMaximumVersion(version uint32) Option {
	return func(h *options) {
		h.maxVersion = version
	}
}

// WithReadTimeout sets the read-timeout for all read operations of this [Server].
// The default is no read-timeout (the MTA imposes its own).
func WithReadTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write-timeout for all write operations of this [Server].
// The default is a write-timeout of 10 seconds.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.writeTimeout = timeout
	}
}

// WithUsedMaxData sets the [DataSize] this milter uses to send packets to the MTA
// (e.g. the chunk size of [Modifier.ReplaceBody]).
// The default of 0 means: use the data size negotiated with the MTA,
// which is [DataSize64K] unless the MTA offered more.
//
// Setting this bigger than what was negotiated might trigger an error in the MTA.
// MTAs like Postfix/sendmail and newer libmilter versions can handle bigger values without negotiation.
// E.g. Postfix will accept packets of up to 2 GB. This library has a hard maximum packet size of 512 MB.
func WithUsedMaxData(usedMaxData DataSize) Option {
	return func(h *options) {
		h.usedMaxData = usedMaxData
	}
}

// WithMacroRequest instructs the [Server] to ask the MTA for these macros at this stage.
//
// MTAs like sendmail and Postfix honor your macro requests and only send you the macros you requested (even if other macros were configured in their configuration).
// If it is possible your milter should gracefully handle the case that the MTA does not honor your macro requests.
// This function automatically sets the action [OptSetMacros]
func WithMacroRequest(stage MacroStage, macros []MacroName) Option {
	return func(h *options) {
		if h.macrosByStage == nil {
			h.macrosByStage = make([][]MacroName, StageEndMarker)
		}
		h.macrosByStage[stage] = removeDuplicates(removeEmpty(macros))
	}
}

// WithMilter sets the [Milter] backend this [Server] uses.
func WithMilter(newMilter func() Milter) Option {
	return func(h *options) {
		h.newMilter = func(uint32, OptAction, OptProtocol, DataSize) Milter {
			return newMilter()
		}
	}
}

// WithDynamicMilter sets the [Milter] backend this [Server] uses.
// This [Option] sets the milter with the negotiated version, action and protocol.
// You can use this to dynamically configure the [Milter] backend.
func WithDynamicMilter(newMilter NewMilterFunc) Option {
	return func(h *options) {
		h.newMilter = newMilter
	}
}

// WithBackend configures the [Server] to build one declarative [Backend] per
// accepted connection from factory, instead of a hand-written [Milter]
// implementation. The stage and action flags negotiated with the MTA are
// derived automatically from which Backend hooks are set (see
// [Backend.declare] and negotiateFlags) — you do not need WithAction,
// WithActions, WithProtocol, or WithProtocols alongside this option, and
// combining WithBackend with WithMilter/WithDynamicMilter panics in
// [NewServer].
func WithBackend(factory BackendFactory) Option {
	return func(h *options) {
		h.backendFactory = factory
	}
}

// WithHeaderLeadingSpace controls whether the leading space byte after a
// header's colon is preserved in the value the [Backend.Header] hook (or
// [Milter.Header]) receives, when the MTA offers the corresponding protocol
// bit. The default is off, matching what most MTAs expect when a milter does
// not ask for it: Sendmail and Postfix otherwise swallow the one space after
// the colon before the milter ever sees the header value.
func WithHeaderLeadingSpace(enabled bool) Option {
	return func(h *options) {
		h.headerLeadingSpace = enabled
	}
}

// WithMaximumBodySize sets the biggest frame body (the bytes after the
// 4-byte length prefix, including the one command byte) this [Server]
// accepts from the MTA. A frame that declares a bigger length terminates the
// session with [ErrFrameTooLarge].
//
// The default of 0 means: 64KB - 1 byte, raised to the negotiated data size
// when the MTA and milter agreed on [DataSize256K] or [DataSize1M].
func WithMaximumBodySize(size uint32) Option {
	return func(h *options) {
		h.maxBodySize = size
	}
}

// WithHookTimeout sets the deadline for a single [Milter]/[Backend] hook
// invocation. A hook that does not return in time gets abandoned and the
// MTA receives [RespTempFail] for that command (for the end-of-message
// command the response configured with [WithHookTimeoutResponse]); the
// session itself keeps running. The default is 8 seconds. A timeout of 0
// disables the deadline.
//
// This deadline is independent of the MTA's own milter command timeout,
// which is usually much lower. Set this below the MTA's timeout if you want
// the tempfail reply to actually reach the MTA.
func WithHookTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.hookTimeout = timeout
	}
}

// WithHookTimeoutResponse sets the [Response] the [Server] sends when the
// end-of-message hook misses the deadline configured with [WithHookTimeout].
// The default is [RespTempFail]. resp must be one of the terminal verdict
// responses (e.g. [RespTempFail], [RespAccept], [RespContinue]).
func WithHookTimeoutResponse(resp *Response) Option {
	return func(h *options) {
		h.hookTimeoutResponse = resp
	}
}

// WithCommandQueueSize sets how many decoded commands a [Server] session
// buffers between its socket reader and the hook dispatch loop. When the
// queue is full the session stops reading from the socket, so a slow
// [Milter]/[Backend] back-pressures the MTA through TCP instead of letting
// commands pile up in memory. The default is 8; values below 1 are treated
// as 1.
func WithCommandQueueSize(size int) Option {
	return func(h *options) {
		h.queueSize = size
	}
}

// WithDrainTimeout sets how long [Server.ListenAndServe] waits for live
// sessions to finish after a termination signal before it forcibly closes
// their connections. The default is 10 seconds. [Server.Shutdown] is not
// affected: it takes the deadline from its context.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.drainTimeout = timeout
	}
}

// WithNegotiationCallback is an expert [Option] with which you can overwrite the negotiation process.
//
// You should not need to use this. You might easily break things. You are responsible to adhere to
// the milter protocol negotiation rules (they unfortunately only exist in sendmail & libmilter source code).
func WithNegotiationCallback(negotiationCallback NegotiationCallbackFunc) Option {
	return func(h *options) {
		h.negotiationCallback = negotiationCallback
	}
}
