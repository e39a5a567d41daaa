package milter

// AppDecl is the static declaration a [Backend] implies: which stages have a
// hook, which manipulation capabilities are required, and which stages the
// caller marked as no-reply. The options negotiator (negotiateFlags) uses it
// to derive the most restrictive protocol/action flag set consistent with
// what the application actually does, instead of requiring the caller to
// spell out [OptProtocol]/[OptAction] bits by hand.
type AppDecl struct {
	HasConnect, HasHelo, HasMailFrom, HasRcptTo bool
	HasData, HasHeader, HasHeaders, HasBody     bool
	HasUnknown                                  bool

	RequiredActions           OptAction
	IncludeRejectedRecipients bool
	HeaderLeadingSpace        bool
	NoReply                   OptProtocol
	MacroRequests             macroRequests
}

// negotiateFlags implements the options-negotiation algorithm: derive the
// desired protocol flags from decl against what the MTA offered, and check
// the MTA offers every action the application requires.
//
// It uses the same intersection algebra as the manual negotiation path in
// session.go (mtaActions & milterActions, mtaProtocol & milterProtocol) but
// computes milterProtocol automatically instead of taking it from a fixed
// [Option] value: an absent hook always implies the stronger "skip this
// callback" bit (the callback is never invoked at all), and a hook present
// in decl.NoReply implies the weaker "no reply" bit, but only when the MTA
// offers it.
func negotiateFlags(decl AppDecl, mtaActions OptAction, mtaProtocol OptProtocol) (actions OptAction, protocol OptProtocol, err error) {
	if decl.RequiredActions&mtaActions != decl.RequiredActions {
		return 0, 0, ErrActionNotOffered
	}
	actions = decl.RequiredActions & mtaActions
	if decl.MacroRequests != nil {
		actions |= OptSetMacros & mtaActions
	}

	type callback struct {
		has     bool
		skip    OptProtocol
		noReply OptProtocol
	}
	callbacks := []callback{
		{decl.HasConnect, OptNoConnect, OptNoConnReply},
		{decl.HasHelo, OptNoHelo, OptNoHeloReply},
		{decl.HasMailFrom, OptNoMailFrom, OptNoMailReply},
		{decl.HasRcptTo, OptNoRcptTo, OptNoRcptReply},
		{decl.HasData, OptNoData, OptNoDataReply},
		{decl.HasHeader, OptNoHeaders, OptNoHeaderReply},
		{decl.HasHeaders, OptNoEOH, OptNoEOHReply},
		{decl.HasBody, OptNoBody, OptNoBodyReply},
		{decl.HasUnknown, OptNoUnknown, OptNoUnknownReply},
	}
	for _, cb := range callbacks {
		if !cb.has {
			// no hook: ask the MTA to not send the callback at all, and mark
			// it mute in case the MTA sends it anyway
			protocol |= (cb.skip | cb.noReply) & mtaProtocol
			continue
		}
		protocol |= decl.NoReply & cb.noReply & mtaProtocol
	}
	if decl.IncludeRejectedRecipients {
		protocol |= OptRcptRej & mtaProtocol
	}
	if decl.HasRcptTo || decl.HasHeader || decl.HasBody {
		// these hooks may answer with a skip, ask the MTA to accept it
		protocol |= OptSkip & mtaProtocol
	}
	if decl.HeaderLeadingSpace {
		protocol |= OptHeaderLeadingSpace & mtaProtocol
	}
	return actions, protocol, nil
}
