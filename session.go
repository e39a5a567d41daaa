package milter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chrj/milterd/internal/wire"
)

var errCloseSession = errors.New("stop current milter processing")

// serverSession keeps session state during MTA communication
type serverSession struct {
	server      *Server
	version     uint32
	actions     OptAction
	protocol    OptProtocol
	maxDataSize DataSize
	conn        net.Conn
	macros      *macrosStages
	backendId   uint64
	mu          sync.Mutex
	modifier    *modifier
}

// init sets up the internal state of the session
func (m *serverSession) init(server *Server, conn net.Conn, version uint32, actions OptAction, protocol OptProtocol) {
	m.server = server
	m.conn = conn
	m.version = version
	m.actions = actions
	m.protocol = protocol
	m.macros = newMacroStages()
}

// readMaxBodySize is the biggest frame body this session accepts from the
// MTA: the configured maximum, or the default 64KB - 1 raised to the
// negotiated data size.
func (m *serverSession) readMaxBodySize() uint32 {
	if m.server.options.maxBodySize > 0 {
		return m.server.options.maxBodySize
	}
	if uint32(m.maxDataSize) > uint32(wire.DefaultMaxBodySize) {
		return uint32(m.maxDataSize)
	}
	return wire.DefaultMaxBodySize
}

// classifyReadError maps wire-level framing errors onto this package's
// sentinels so callers can classify them with errors.Is, and tags reads that
// were interrupted by a server shutdown.
func (m *serverSession) classifyReadError(err error) error {
	switch {
	case errors.Is(err, wire.ErrTruncated):
		return fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	case errors.Is(err, wire.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	case errors.Is(err, wire.ErrTooLarge):
		return fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
	case errors.Is(err, net.ErrClosed) && m.server.shuttingDown():
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	}
	return err
}

// readPacket reads incoming milter packet
func (m *serverSession) readPacket(timeout time.Duration) (*wire.Message, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, errCloseSession
	}
	msg, err := wire.ReadPacket(conn, timeout, m.readMaxBodySize())
	if err != nil {
		return nil, m.classifyReadError(err)
	}
	return msg, nil
}

// writePacket sends a milter response packet to socket stream
func (m *serverSession) writePacket(msg *wire.Message) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errCloseSession
	}
	return wire.WritePacket(conn, msg, m.server.options.writeTimeout, wire.MaxAllowedBodySize)
}

func (m *serverSession) negotiate(msg *wire.Message, milterVersion uint32, milterActions OptAction, milterProtocol OptProtocol, callback NegotiationCallbackFunc, macroRequests macroRequests, usedMaxData DataSize) (*Response, error) {
	if msg.Code != wire.CodeOptNeg {
		return nil, fmt.Errorf("milter: negotiate: unexpected package with code %c", msg.Code)
	}
	if len(msg.Data) < 4*3 /* version + action mask + proto mask */ {
		return nil, fmt.Errorf("milter: negotiate: unexpected data size: %d", len(msg.Data))
	}
	mtaVersion := binary.BigEndian.Uint32(msg.Data[:4])
	mtaActionMask := OptAction(binary.BigEndian.Uint32(msg.Data[4:]))
	mtaProtoMask := OptProtocol(binary.BigEndian.Uint32(msg.Data[8:]))
	offeredMaxDataSize := DataSize64K
	if uint32(mtaProtoMask)&optMds1M == optMds1M {
		offeredMaxDataSize = DataSize1M
	} else if uint32(mtaProtoMask)&optMds256K == optMds256K {
		offeredMaxDataSize = DataSize256K
	}
	mtaProtoMask = mtaProtoMask & (^OptProtocol(optInternal))

	var err error
	var maxDataSize DataSize
	if callback != nil {
		if m.version, m.actions, m.protocol, maxDataSize, err = callback(mtaVersion, milterVersion, mtaActionMask, milterActions, mtaProtoMask, milterProtocol, offeredMaxDataSize); err != nil {
			return nil, err
		}
		if m.version < 2 || m.version > MaxServerProtocolVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.version)
		}
	} else {
		if mtaVersion < 2 || mtaVersion > MaxServerProtocolVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, mtaVersion)
		}
		m.version = mtaVersion
		if milterActions&mtaActionMask != milterActions {
			return nil, fmt.Errorf("%w: offered: %q requested: %q", ErrActionNotOffered, mtaActionMask, milterActions)
		}
		m.actions = milterActions & mtaActionMask
		if milterProtocol&mtaProtoMask != milterProtocol {
			return nil, fmt.Errorf("milter: negotiate: MTA does not offer required protocol options. offered: %q requested: %q", mtaProtoMask, milterProtocol)
		}
		m.protocol = milterProtocol & mtaProtoMask
		maxDataSize = offeredMaxDataSize
	}
	if maxDataSize != DataSize64K && maxDataSize != DataSize256K && maxDataSize != DataSize1M {
		maxDataSize = DataSize64K
	}
	if usedMaxData == 0 {
		usedMaxData = maxDataSize
	}
	m.maxDataSize = usedMaxData
	m.modifier = newModifier(m, modifierStateReadOnly)

	// TODO: activate skip response according to m.version

	sizeMask := uint32(0)
	if maxDataSize == DataSize256K {
		sizeMask = optMds256K
	} else if maxDataSize == DataSize1M {
		sizeMask = optMds1M
	}

	// prepare response data
	var buffer bytes.Buffer
	for _, value := range []uint32{m.version, uint32(m.actions), uint32(m.protocol) | sizeMask} {
		if err := binary.Write(&buffer, binary.BigEndian, value); err != nil {
			return nil, fmt.Errorf("milter: negotiate: %w", err)
		}
	}
	// send the macros we want to have in the response
	if macroRequests != nil && mtaActionMask&OptSetMacros != 0 {
		for st := 0; st < int(StageEndMarker) && st < len(macroRequests); st++ {
			if macroRequests[st] != nil && len(macroRequests[st]) > 0 {
				if err := binary.Write(&buffer, binary.BigEndian, uint32(st)); err != nil {
					return nil, fmt.Errorf("milter: negotiate: %w", err)
				}
				buffer.WriteString(strings.Join(macroRequests[st], " "))
				buffer.WriteByte(0)
			}
		}
	} else if macroRequests != nil {
		LogWarning("milter could not send the needed macros since MTA does not support this")
	}
	// build negotiation response
	return newResponse(wire.CodeOptNeg, buffer.Bytes()), nil
}

// processMsg processes incoming milter commands
func (m *serverSession) processMsg(backend Milter, msg *wire.Message) (*Response, error) {
	switch msg.Code {
	case wire.CodeOptNeg:
		return nil, fmt.Errorf("milter: negotiate: can only be called once in a connection")

	case wire.CodeConn:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: conn: unexpected data size: %d", len(msg.Data))
		}
		m.macros.DelStageAndAbove(StageHelo)
		hostname := wire.ReadCString(msg.Data)
		msg.Data = msg.Data[len(hostname)+1:]
		// get protocol family
		protocolFamily := msg.Data[0]
		msg.Data = msg.Data[1:]
		// get port and address
		var port uint16
		var address string
		if protocolFamily == 'L' || protocolFamily == '4' || protocolFamily == '6' {
			if len(msg.Data) < 2 {
				return nil, fmt.Errorf("milter: conn: unexpected data size: %d", len(msg.Data))
			}
			port = binary.BigEndian.Uint16(msg.Data)
			msg.Data = msg.Data[2:]
			// get address
			address = wire.ReadCString(msg.Data)
		}
		// convert family to human-readable string and validate
		family := ""
		switch protocolFamily {
		case 'U':
			family = "unknown"
		case 'L':
			family = "unix"
		case '4':
			family = "tcp4"
			addr := net.ParseIP(address)
			if addr == nil || addr.To4() == nil {
				return nil, fmt.Errorf("milter: conn: unexpected ip4 address: %q", address)
			}
		case '6':
			family = "tcp6"
			var addr net.IP
			// remove optional IPv6: prefix
			address = strings.TrimPrefix(address, "IPv6:")
			// also accept [dead::cafe] style IPv6 addresses
			if len(address) > 2 && address[0] == '[' && address[len(address)-1] == ']' {
				addr = net.ParseIP(address[1 : len(address)-1])
			} else {
				addr = net.ParseIP(address)
			}
			if addr == nil {
				return nil, fmt.Errorf("milter: conn: unexpected ip6 address: %q", address)
			}
			address = addr.String()
		default:
			return nil, fmt.Errorf("milter: conn: unexpected protocol family: %c", protocolFamily)
		}
		// run handler and return
		return m.callHook(msg.Code, func() (*Response, error) {
			return backend.Connect(hostname, family, port, address, m.modifier.withState(modifierStateProgressOnly))
		})

	case wire.CodeHelo:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: helo: unexpected data size: %d", len(msg.Data))
		}
		m.macros.DelStageAndAbove(StageMail)
		name := wire.ReadCString(msg.Data)
		return m.callHook(msg.Code, func() (*Response, error) {
			return backend.Helo(name, m.modifier.withState(modifierStateProgressOnly))
		})

	case wire.CodeMail:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: mail: unexpected data size: %d", len(msg.Data))
		}
		m.macros.DelStageAndAbove(StageRcpt)
		from := wire.ReadCString(msg.Data)
		data := msg.Data[len(from)+1:]

		// the rest of the data are ESMTP arguments, separated by a zero byte.
		args := wire.DecodeCStrings(data)
		if dup := duplicateESMTPKey(args); dup != "" {
			return nil, fmt.Errorf("milter: mail: duplicate ESMTP argument: %s", dup)
		}
		esmtpArgs := strings.Join(args, " ")
		return m.callHook(msg.Code, func() (*Response, error) {
			return backend.MailFrom(RemoveAngle(from), esmtpArgs, m.modifier.withState(modifierStateProgressOnly))
		})

	case wire.CodeRcpt:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: rcpt: unexpected data size: %d", len(msg.Data))
		}
		m.macros.DelStageAndAbove(StageData)
		to := wire.ReadCString(msg.Data)
		rest := msg.Data[len(to)+1:]

		// the rest of the data are ESMTP arguments, separated by a zero byte.
		args := wire.DecodeCStrings(rest)
		if dup := duplicateESMTPKey(args); dup != "" {
			return nil, fmt.Errorf("milter: rcpt: duplicate ESMTP argument: %s", dup)
		}
		esmtpArgs := strings.Join(args, " ")
		return m.callHook(msg.Code, func() (*Response, error) {
			return backend.RcptTo(RemoveAngle(to), esmtpArgs, m.modifier.withState(modifierStateProgressOnly))
		})

	case wire.CodeData:
		m.macros.DelStageAndAbove(StageEOH)
		return m.callHook(msg.Code, func() (*Response, error) {
			return backend.Data(m.modifier.withState(modifierStateProgressOnly))
		})

	case wire.CodeHeader:
		if len(msg.Data) < 2 {
			return nil, fmt.Errorf("milter: header: unexpected data size: %d", len(msg.Data))
		}
		headerData := wire.DecodeCStrings(msg.Data)
		if len(headerData) != 2 {
			return nil, fmt.Errorf("milter: header: unexpected number of strings: %d", len(headerData))
		}
		resp, err := m.callHook(msg.Code, func() (*Response, error) {
			return backend.Header(headerData[0], headerData[1], m.modifier.withState(modifierStateProgressOnly))
		})
		m.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wire.CodeEOH:
		m.macros.DelStageAndAbove(StageEOM)
		return m.callHook(msg.Code, func() (*Response, error) {
			return backend.Headers(m.modifier.withState(modifierStateProgressOnly))
		})

	case wire.CodeBody:
		resp, err := m.callHook(msg.Code, func() (*Response, error) {
			return backend.BodyChunk(msg.Data, m.modifier.withState(modifierStateProgressOnly))
		})
		m.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wire.CodeEOB:
		resp, err := m.callHook(msg.Code, func() (*Response, error) {
			return backend.EndOfMessage(m.modifier.withState(modifierStateReadWrite))
		})
		if err == nil && resp == nil {
			// the backend sent manipulations only; the verdict defaults to continue
			resp = RespContinue
		}
		return resp, err

	case wire.CodeUnknown:
		cmd := wire.ReadCString(msg.Data)
		resp, err := m.callHook(msg.Code, func() (*Response, error) {
			return backend.Unknown(cmd, m.modifier.withState(modifierStateProgressOnly))
		})
		m.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wire.CodeMacro:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: macro: unexpected data size: %d", len(msg.Data))
		}
		var stage MacroStage
		switch msg.MacroCode() {
		case wire.CodeConn:
			stage = StageConnect
		case wire.CodeHelo:
			stage = StageHelo
		case wire.CodeMail:
			stage = StageMail
		case wire.CodeRcpt:
			stage = StageRcpt
		case wire.CodeData:
			stage = StageData
		case wire.CodeEOH:
			stage = StageEOH
		case wire.CodeEOB:
			stage = StageEOM
		case wire.CodeUnknown, wire.CodeHeader, wire.CodeAbort, wire.CodeBody:
			stage = StageEndMarker // this stage gets cleared after the command
		default:
			LogWarning("MTA sent macro for %c. we cannot handle this so we ignore it", msg.MacroCode())
			return nil, nil
		}
		m.macros.DelStageAndAbove(stage)
		// convert data to Go strings
		data := wire.DecodeCStrings(msg.Data[1:])
		if len(data)%2 == 1 {
			return nil, fmt.Errorf("milter: macro: odd number of strings: %d", len(data))
		}
		if len(data) != 0 {
			m.macros.SetStage(stage, data...)
		}
		// do not send response
		return nil, nil

	case wire.CodeAbort:
		// abort current message and start over
		err := hookFailure(backend.Abort(m.modifier.withState(modifierStateReadOnly)))
		m.macros.DelStageAndAbove(StageHelo)
		return nil, err

	case wire.CodeQuitNewConn:
		// Connection reuse is in the wire vocabulary but no real MTA
		// exercises it, so we treat this like CodeQuit. A dispatcher that
		// wants to support reuse would reset the macros and call
		// backend.NewConnection here instead.
		return nil, nil

	case wire.CodeQuit:
		// client requested session close, we handle the session end in HandleMilterCommands
		return nil, nil

	default:
		// print error and close session
		LogWarning("Unrecognized command code: %s", msg.Code)
		return nil, errCloseSession
	}
}

// duplicateESMTPKey returns the first KEY that appears twice in a list of
// KEY or KEY=VALUE ESMTP arguments (keys are case-insensitive), or "".
func duplicateESMTPKey(args []string) string {
	if len(args) < 2 {
		return ""
	}
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		key, _, _ := strings.Cut(arg, "=")
		key = strings.ToUpper(key)
		if seen[key] {
			return key
		}
		seen[key] = true
	}
	return ""
}

// hookFailure tags a non-nil error from a Milter/Backend hook so the
// dispatch loop can distinguish it (errors.Is(err, ErrHookFailure)) from
// decode and I/O failures.
func hookFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrHookFailure, err)
}

// callHook runs hook with the per-command deadline configured with
// WithHookTimeout. A hook that misses the deadline is abandoned (its
// goroutine keeps running but its eventual result is discarded) and the MTA
// gets RespTempFail for the command, or the WithHookTimeoutResponse verdict
// at end-of-message so a milter that buffers the whole message can still
// choose to fail open.
func (m *serverSession) callHook(code wire.Code, hook func() (*Response, error)) (*Response, error) {
	timeout := m.server.options.hookTimeout
	if timeout <= 0 {
		resp, err := hook()
		return resp, hookFailure(err)
	}
	type hookResult struct {
		resp *Response
		err  error
	}
	done := make(chan hookResult, 1)
	go func() {
		resp, err := hook()
		done <- hookResult{resp, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.resp, hookFailure(r.err)
	case <-timer.C:
		LogWarning("%v: no result for %c after %s", ErrHookDeadline, code, timeout)
		if code == wire.CodeEOB {
			if resp := m.server.options.hookTimeoutResponse; resp != nil {
				return resp, nil
			}
		}
		return RespTempFail, nil
	}
}

// nextCommands is the stage graph of one milter connection: for every
// command the commands that may legally follow it. Macro definitions,
// unknown-command events, Quit and QuitNewConn may arrive at any time and
// are not listed. CodeOptNeg stands for the freshly negotiated session.
var nextCommands = map[wire.Code][]wire.Code{
	wire.CodeOptNeg: {wire.CodeConn},
	wire.CodeConn:   {wire.CodeHelo, wire.CodeMail},
	wire.CodeHelo:   {wire.CodeHelo, wire.CodeMail},
	wire.CodeMail:   {wire.CodeRcpt},
	wire.CodeRcpt:   {wire.CodeRcpt, wire.CodeData},
	wire.CodeData:   {wire.CodeHeader, wire.CodeEOH},
	wire.CodeHeader: {wire.CodeHeader, wire.CodeEOH},
	wire.CodeEOH:    {wire.CodeBody, wire.CodeEOB},
	wire.CodeBody:   {wire.CodeBody, wire.CodeEOB},
	wire.CodeEOB:    {wire.CodeMail},
	wire.CodeAbort:  {wire.CodeAbort, wire.CodeConn, wire.CodeMail},
}

// stageSkipBits maps a command to the protocol bit with which this milter
// told the MTA not to send it.
var stageSkipBits = map[wire.Code]OptProtocol{
	wire.CodeConn:   OptNoConnect,
	wire.CodeHelo:   OptNoHelo,
	wire.CodeMail:   OptNoMailFrom,
	wire.CodeRcpt:   OptNoRcptTo,
	wire.CodeData:   OptNoData,
	wire.CodeHeader: OptNoHeaders,
	wire.CodeEOH:    OptNoEOH,
	wire.CodeBody:   OptNoBody,
}

// commandAllowed reports whether code may follow last on this session.
// A stage the MTA agreed to skip (stageSkipBits negotiated) is transparent:
// its successors are reachable directly. An Abort is legal any time after
// the first SMTP event, including a duplicate Abort (Postfix sends those).
func (m *serverSession) commandAllowed(last, code wire.Code) bool {
	switch code {
	case wire.CodeMacro, wire.CodeQuit, wire.CodeQuitNewConn, wire.CodeUnknown:
		return true
	case wire.CodeAbort:
		return last != wire.CodeOptNeg
	}
	var seen [256]bool
	frontier := append([]wire.Code(nil), nextCommands[last]...)
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if next == code {
			return true
		}
		if m.protocol&stageSkipBits[next] != 0 {
			frontier = append(frontier, nextCommands[next]...)
		}
	}
	return false
}

// stagePermitsReply reports whether code is a command the MTA awaits a
// verdict for (modulo the negotiated no-reply bits, see skipResponse).
func stagePermitsReply(code wire.Code) bool {
	switch code {
	case wire.CodeConn, wire.CodeHelo, wire.CodeMail, wire.CodeRcpt, wire.CodeData,
		wire.CodeHeader, wire.CodeEOH, wire.CodeBody, wire.CodeEOB, wire.CodeUnknown:
		return true
	default:
		return false
	}
}

// ignoreError checks if the error is a closing error
// It checks for EOF, net.ErrClosed, errCloseSession, and a shutdown-initiated close
func ignoreError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, errCloseSession) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrShutdown)
}

func (m *serverSession) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !ignoreError(err) {
			LogWarning("Error closing connection: %v", err)
		}
	}
}

// HandleMilterCommands processes all milter commands in the same connection
func (m *serverSession) HandleMilterCommands() {
	defer m.closeConn()

	// A Backend (see backend.go) is the declarative application adapter:
	// when the server was configured with WithBackend, sessionID and the
	// *Backend are fixed before negotiation so that the flags we offer the
	// MTA (negotiateFlags) and the Milter implementation we dispatch to
	// afterward come from the same declared hook set.
	var decl *Backend
	var sessionID string
	negotiationCallback := m.server.options.negotiationCallback
	macroReqs := m.server.options.macrosByStage
	if m.server.options.backendFactory != nil {
		sessionID = newSessionID()
		decl = m.server.options.backendFactory(sessionID)
		if decl.MacroRequests != nil {
			macroReqs = decl.MacroRequests
		}
		negotiationCallback = func(mtaVersion, _ uint32, mtaActions, _ OptAction, mtaProtocol, _ OptProtocol, offeredDataSize DataSize) (uint32, OptAction, OptProtocol, DataSize, error) {
			// The declarative adapter depends on the v6 skip/no-reply bits,
			// so unlike the hand-configured path it does not degrade to
			// older dialects.
			if mtaVersion < MaxServerProtocolVersion {
				return 0, 0, 0, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, mtaVersion)
			}
			appDecl := decl.declare()
			appDecl.HeaderLeadingSpace = m.server.options.headerLeadingSpace
			appDecl.MacroRequests = macroReqs
			version := mtaVersion
			if version > MaxServerProtocolVersion {
				version = MaxServerProtocolVersion
			}
			actions, protocol, err := negotiateFlags(appDecl, mtaActions, mtaProtocol)
			return version, actions, protocol, offeredDataSize, err
		}
	}

	// first do the negotiation - with a hard-coded timeout of 1 second
	msg, err := m.readPacket(time.Second)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error reading milter command: %v", err)
		}
		return
	}
	resp, err := m.negotiate(msg, m.server.options.maxVersion, m.server.options.actions, m.server.options.protocol, negotiationCallback, macroReqs, m.server.options.usedMaxData)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error negotiating: %v", err)
		}
		return
	}
	if err = m.writePacket(resp.Response()); err != nil {
		if !ignoreError(err) {
			LogWarning("Error writing packet: %v", err)
		}
		return
	}
	var backend Milter
	if decl != nil {
		backend = newMilterAdapter(decl)
		m.backendId = m.server.milterCount.Add(1)
	} else {
		backend, m.backendId = m.server.newMilter(m.version, m.actions, m.protocol, m.maxDataSize)
	}
	m.modifier.milterId = m.backendId
	defer func() {
		backend.Cleanup(m.modifier.withState(modifierStateReadOnly))
	}()
	if err := backend.NewConnection(m.modifier.withState(modifierStateReadOnly)); err != nil {
		return
	}

	lastCode := wire.CodeOptNeg
	lastDomain := wire.CodeOptNeg
	lastOrder := 0
	codeOrderMap := map[wire.Code]int{
		wire.CodeConn:   1,
		wire.CodeHelo:   2,
		wire.CodeMail:   3,
		wire.CodeRcpt:   4,
		wire.CodeData:   5,
		wire.CodeHeader: 6,
		wire.CodeEOH:    7,
		wire.CodeBody:   8,
		wire.CodeEOB:    9,
	}
	readTimeout := m.server.options.readTimeout
	hasDecision := false

	// The socket reader runs decoupled from hook dispatch behind a bounded
	// queue: when a hook is slow the queue fills up, the reader stops
	// reading, and the MTA gets back-pressured through TCP.
	type inbound struct {
		msg *wire.Message
		err error
	}
	queueSize := m.server.options.queueSize
	if queueSize < 1 {
		queueSize = 1
	}
	queue := make(chan inbound, queueSize)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			msg, err := m.readPacket(readTimeout)
			select {
			case queue <- inbound{msg, err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// now we can process the events
	for {
		in := <-queue
		msg, err = in.msg, in.err
		if err != nil {
			if !ignoreError(err) {
				LogWarning("Error reading milter command: %v", err)
			}
			return
		}

		// Enforce the stage order of one SMTP transaction. Macro
		// definitions are sequencing-neutral and commands the MTA agreed to
		// skip are transparent; anything else outside the stage graph
		// terminates the session without a reply.
		if !m.commandAllowed(lastDomain, msg.Code) {
			LogWarning("%v: %c may not follow %c", ErrProtocolViolation, msg.Code, lastDomain)
			return
		}

		// Postfix always sends us an Abort when an SMTP connection gets reused.
		// Sendmail does not do that when we accepted/rejected the message before EOB.
		// We synthesize an Abort message to the backend when we detect that an Abort was not sent.
		// This is not really necessary (the backend should be able to handle this), but it does not hurt
		// and makes Milter backend development less error-prone.
		code := msg.MacroCode()
		currentCommand, ok := codeOrderMap[code]
		if ok {
			if lastOrder > currentCommand && lastCode != wire.CodeAbort {
				_, err = m.processMsg(backend, &wire.Message{Code: wire.CodeAbort})
				if err != nil {
					if !ignoreError(err) {
						// log error condition
						LogWarning("Error performing milter command: %v", err)
						if resp != nil && !m.skipResponse(msg.Code) {
							_ = m.writePacket(resp.Response())
						}
					}
					return
				}
				lastDomain = wire.CodeAbort
			}
			lastOrder = currentCommand
		} else {
			// Postfix sometimes sends us multiple Aborts - one is totally enough, so filter them out
			if code == wire.CodeAbort && lastCode == wire.CodeAbort {
				continue
			}
		}
		lastCode = code

		var resp *Response
		resp, err = m.processMsg(backend, msg)
		if err != nil {
			if !ignoreError(err) {
				// log error condition
				LogWarning("Error performing milter command: %v", err)
				// A failed hook maps to a tempfail so the MTA sees a clean
				// 4xx instead of a broken milter connection.
				if resp == nil && errors.Is(err, ErrHookFailure) && stagePermitsReply(msg.Code) {
					resp = RespTempFail
				}
				if resp != nil && !m.skipResponse(msg.Code) {
					_ = m.writePacket(resp.Response())
				}
			}
			return
		}
		switch msg.Code {
		case wire.CodeConn, wire.CodeHelo, wire.CodeMail, wire.CodeRcpt, wire.CodeData,
			wire.CodeHeader, wire.CodeEOH, wire.CodeBody, wire.CodeEOB, wire.CodeAbort:
			lastDomain = msg.Code
		}
		// RespSkip is only meaningful at recipient, header and body-chunk
		// events and only when OptSkip was negotiated; degrade anything else
		// to a continue so the MTA does not see an unexpected action.
		if resp == RespSkip {
			skipOk := m.protocol&OptSkip != 0 &&
				(msg.Code == wire.CodeRcpt || msg.Code == wire.CodeHeader || msg.Code == wire.CodeBody)
			if !skipOk {
				LogWarning("skip response to %c degraded to continue: not negotiated or wrong stage", msg.Code)
				resp = RespContinue
			}
		}
		hasDecision = resp != nil && !resp.Continue()
		if msg.Code == wire.CodeRcpt && hasDecision && resp != RespDiscard {
			hasDecision = false
		}
		if hasDecision {
			m.macros.DelStageAndAbove(StageMail)
		}

		// if we have a response and did not tell the MTA to skip the response
		if resp != nil && !m.skipResponse(msg.Code) {
			// send back response message
			if err = m.writePacket(resp.Response()); err != nil {
				if !ignoreError(err) {
					LogWarning("Error writing packet: %v", err)
				}
				return
			}
		}

		if msg.Code == wire.CodeQuit || msg.Code == wire.CodeQuitNewConn {
			return
		}
	}
}

// skipResponse reports whether the negotiated protocol says the MTA does
// not await a reply for code: either the no-reply bit for the stage, or the
// stage was negotiated away entirely (the MTA sent it anyway).
func (m *serverSession) skipResponse(code wire.Code) bool {
	switch code {
	case wire.CodeConn:
		return m.protocol&(OptNoConnReply|OptNoConnect) != 0
	case wire.CodeHelo:
		return m.protocol&(OptNoHeloReply|OptNoHelo) != 0
	case wire.CodeMail:
		return m.protocol&(OptNoMailReply|OptNoMailFrom) != 0
	case wire.CodeRcpt:
		return m.protocol&(OptNoRcptReply|OptNoRcptTo) != 0
	case wire.CodeData:
		return m.protocol&(OptNoDataReply|OptNoData) != 0
	case wire.CodeUnknown:
		return m.protocol&(OptNoUnknownReply|OptNoUnknown) != 0
	case wire.CodeEOH:
		return m.protocol&(OptNoEOHReply|OptNoEOH) != 0
	case wire.CodeHeader:
		return m.protocol&(OptNoHeaderReply|OptNoHeaders) != 0
	case wire.CodeBody:
		return m.protocol&(OptNoBodyReply|OptNoBody) != 0
	default:
		return false
	}
}
