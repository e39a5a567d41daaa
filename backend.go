package milter

// Backend is a declarative application adapter (see [WithBackend]). Instead
// of implementing every method of [Milter] (and returning [NoOpMilter]-style
// defaults for the stages it does not care about), a caller builds a Backend
// by assigning only the hook fields it needs. A hook left nil is simply never
// called, and the stage/no-reply protocol bits the MTA is offered are derived
// from which hooks are set (see [Backend.declare] and negotiate.go) instead
// of being configured by hand with [WithProtocol]/[WithAction].
//
// A Backend is produced per connection by a [BackendFactory]; fields may
// therefore close over per-connection state (a session logger, a database
// handle, ...).
type Backend struct {
	// Connect is called once per connection, unless no-connect was
	// negotiated (no hook set and the MTA offered to skip it).
	Connect func(hostname string, family ProtoFamily, port uint16, addr string, m Modifier) (*Response, error)

	// Helo is called for HELO/EHLO.
	Helo func(helo string, m Modifier) (*Response, error)

	// MailFrom is called for MAIL FROM.
	MailFrom func(from, esmtpArgs string, m Modifier) (*Response, error)

	// RcptTo is called for each RCPT TO.
	RcptTo func(to, esmtpArgs string, m Modifier) (*Response, error)

	// Data is called at the start of DATA.
	Data func(m Modifier) (*Response, error)

	// Header is called once per header line.
	Header func(name, value string, m Modifier) (*Response, error)

	// Headers is called once, after the last header (end-of-headers).
	Headers func(m Modifier) (*Response, error)

	// BodyChunk is called for each chunk of the message body.
	BodyChunk func(chunk []byte, m Modifier) (*Response, error)

	// EndOfMessage is called exactly once per transaction and is the only
	// stage that cannot be skipped or muted; it is where manipulations are
	// returned alongside the terminal verdict.
	EndOfMessage func(m Modifier) (*Response, error)

	// Abort is called when the MTA aborts the current transaction. A second,
	// immediately consecutive Abort is tolerated by the session and does not
	// invoke this hook twice.
	Abort func(m Modifier) error

	// Unknown is called for SMTP commands the MTA does not otherwise model.
	Unknown func(cmd string, m Modifier) (*Response, error)

	// RequireActions lists the manipulation capabilities this Backend needs
	// the MTA to offer; negotiation fails with [ErrActionNotOffered] if any
	// bit here is absent from the MTA's offer.
	RequireActions OptAction

	// IncludeRejectedRecipients requests the "include rejected rcpts"
	// protocol bit, when the MTA offers it.
	IncludeRejectedRecipients bool

	// NoReply marks stages whose hook result should never be written back
	// to the MTA (the "no-reply" protocol bits); it is the caller's
	// responsibility to only set bits here for stages whose hook, if any,
	// returns a nil *Response. Hooks left nil are unaffected: an absent hook
	// already implies the stronger "skip this callback" bit, which subsumes
	// no-reply.
	NoReply OptProtocol

	// MacroRequests, if non-nil, asks the MTA to restrict delivered macros
	// per stage to this list (see [WithMacroRequest]).
	MacroRequests macroRequests
}

// BackendFactory builds one Backend per accepted connection. sessionID is a
// short random token unique to the session, suitable for correlating log
// lines; it is never parsed or persisted by this library.
type BackendFactory func(sessionID string) *Backend

// declare computes the AppDecl a Backend implies: which stages have hooks,
// which are muted, and which manipulation capabilities are required. This
// drives the automatic options-negotiation algorithm in negotiate.go instead
// of requiring the caller to spell out protocol/action flags by hand.
func (b *Backend) declare() AppDecl {
	if b == nil {
		return AppDecl{}
	}
	return AppDecl{
		HasConnect:                b.Connect != nil,
		HasHelo:                   b.Helo != nil,
		HasMailFrom:               b.MailFrom != nil,
		HasRcptTo:                 b.RcptTo != nil,
		HasData:                   b.Data != nil,
		HasHeader:                 b.Header != nil,
		HasHeaders:                b.Headers != nil,
		HasBody:                   b.BodyChunk != nil,
		HasUnknown:                b.Unknown != nil,
		RequiredActions:           b.RequireActions,
		IncludeRejectedRecipients: b.IncludeRejectedRecipients,
		NoReply:                   b.NoReply,
		MacroRequests:             b.MacroRequests,
	}
}

// milterAdapter lets session.go keep dispatching through the [Milter]
// interface while the application-facing surface is the declarative Backend
// above. Stages without a hook return the same defaults [NoOpMilter] would.
type milterAdapter struct {
	NoOpMilter
	backend *Backend
}

func newMilterAdapter(b *Backend) Milter {
	return &milterAdapter{backend: b}
}

func (a *milterAdapter) Connect(host string, family string, port uint16, addr string, m Modifier) (*Response, error) {
	if a.backend.Connect == nil {
		return a.NoOpMilter.Connect(host, family, port, addr, m)
	}
	return a.backend.Connect(host, protoFamilyFromWire(family), port, addr, m)
}

func (a *milterAdapter) Helo(name string, m Modifier) (*Response, error) {
	if a.backend.Helo == nil {
		return a.NoOpMilter.Helo(name, m)
	}
	return a.backend.Helo(name, m)
}

func (a *milterAdapter) MailFrom(from string, esmtpArgs string, m Modifier) (*Response, error) {
	if a.backend.MailFrom == nil {
		return a.NoOpMilter.MailFrom(from, esmtpArgs, m)
	}
	return a.backend.MailFrom(from, esmtpArgs, m)
}

func (a *milterAdapter) RcptTo(to string, esmtpArgs string, m Modifier) (*Response, error) {
	if a.backend.RcptTo == nil {
		return a.NoOpMilter.RcptTo(to, esmtpArgs, m)
	}
	return a.backend.RcptTo(to, esmtpArgs, m)
}

func (a *milterAdapter) Data(m Modifier) (*Response, error) {
	if a.backend.Data == nil {
		return a.NoOpMilter.Data(m)
	}
	return a.backend.Data(m)
}

func (a *milterAdapter) Header(name, value string, m Modifier) (*Response, error) {
	if a.backend.Header == nil {
		return a.NoOpMilter.Header(name, value, m)
	}
	return a.backend.Header(name, value, m)
}

func (a *milterAdapter) Headers(m Modifier) (*Response, error) {
	if a.backend.Headers == nil {
		return a.NoOpMilter.Headers(m)
	}
	return a.backend.Headers(m)
}

func (a *milterAdapter) BodyChunk(chunk []byte, m Modifier) (*Response, error) {
	if a.backend.BodyChunk == nil {
		return a.NoOpMilter.BodyChunk(chunk, m)
	}
	return a.backend.BodyChunk(chunk, m)
}

func (a *milterAdapter) EndOfMessage(m Modifier) (*Response, error) {
	if a.backend.EndOfMessage == nil {
		// no verdict from the application; the session synthesizes a continue
		return nil, nil
	}
	return a.backend.EndOfMessage(m)
}

func (a *milterAdapter) Abort(m Modifier) error {
	if a.backend.Abort == nil {
		return a.NoOpMilter.Abort(m)
	}
	return a.backend.Abort(m)
}

func (a *milterAdapter) Unknown(cmd string, m Modifier) (*Response, error) {
	if a.backend.Unknown == nil {
		return a.NoOpMilter.Unknown(cmd, m)
	}
	return a.backend.Unknown(cmd, m)
}

func protoFamilyFromWire(family string) ProtoFamily {
	switch family {
	case "unknown":
		return FamilyUnknown
	case "unix":
		return FamilyUnix
	case "tcp4":
		return FamilyInet
	case "tcp6":
		return FamilyInet6
	default:
		return FamilyUnknown
	}
}
