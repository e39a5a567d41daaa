// String methods for the wire-level byte codes, used in diagnostics. They
// are hand-written (not stringer output) so unknown codes render as the
// quoted rune from the wire instead of a bare integer.

package wire

import "strconv"

func _() {
	// An "invalid array index" compiler error signifies that a constant value changed.
	var x [1]struct{}
	_ = x[CodeOptNeg-'O']
	_ = x[CodeMacro-'D']
	_ = x[CodeConn-'C']
	_ = x[CodeQuit-'Q']
	_ = x[CodeHelo-'H']
	_ = x[CodeMail-'M']
	_ = x[CodeRcpt-'R']
	_ = x[CodeHeader-'L']
	_ = x[CodeEOH-'N']
	_ = x[CodeBody-'B']
	_ = x[CodeEOB-'E']
	_ = x[CodeAbort-'A']
	_ = x[CodeData-'T']
	_ = x[CodeQuitNewConn-'K']
	_ = x[CodeUnknown-'U']
}

var codeNames = map[Code]string{
	CodeOptNeg:      "CodeOptNeg",
	CodeMacro:       "CodeMacro",
	CodeConn:        "CodeConn",
	CodeQuit:        "CodeQuit",
	CodeHelo:        "CodeHelo",
	CodeMail:        "CodeMail",
	CodeRcpt:        "CodeRcpt",
	CodeHeader:      "CodeHeader",
	CodeEOH:         "CodeEOH",
	CodeBody:        "CodeBody",
	CodeEOB:         "CodeEOB",
	CodeAbort:       "CodeAbort",
	CodeData:        "CodeData",
	CodeQuitNewConn: "CodeQuitNewConn",
	CodeUnknown:     "CodeUnknown",
}

func (i Code) String() string {
	if s, ok := codeNames[i]; ok {
		return s
	}
	return "Code(" + strconv.QuoteRune(rune(i)) + ")"
}

func _() {
	var x [1]struct{}
	_ = x[ActAccept-'a']
	_ = x[ActContinue-'c']
	_ = x[ActDiscard-'d']
	_ = x[ActReject-'r']
	_ = x[ActTempFail-'t']
	_ = x[ActReplyCode-'y']
	_ = x[ActSkip-'s']
	_ = x[ActProgress-'p']
	_ = x[ActConnFail-'f']
}

var actionCodeNames = map[ActionCode]string{
	ActAccept:    "ActAccept",
	ActContinue:  "ActContinue",
	ActDiscard:   "ActDiscard",
	ActReject:    "ActReject",
	ActTempFail:  "ActTempFail",
	ActReplyCode: "ActReplyCode",
	ActSkip:      "ActSkip",
	ActProgress:  "ActProgress",
	ActConnFail:  "ActConnFail",
}

func (i ActionCode) String() string {
	if s, ok := actionCodeNames[i]; ok {
		return s
	}
	return "ActionCode(" + strconv.QuoteRune(rune(i)) + ")"
}

func _() {
	var x [1]struct{}
	_ = x[ActAddRcpt-'+']
	_ = x[ActDelRcpt-'-']
	_ = x[ActReplBody-'b']
	_ = x[ActAddHeader-'h']
	_ = x[ActChangeHeader-'m']
	_ = x[ActInsertHeader-'i']
	_ = x[ActQuarantine-'q']
	_ = x[ActChangeFrom-'e']
	_ = x[ActAddRcptPar-'2']
}

var modifyActCodeNames = map[ModifyActCode]string{
	ActAddRcpt:      "ActAddRcpt",
	ActDelRcpt:      "ActDelRcpt",
	ActReplBody:     "ActReplBody",
	ActAddHeader:    "ActAddHeader",
	ActChangeHeader: "ActChangeHeader",
	ActInsertHeader: "ActInsertHeader",
	ActQuarantine:   "ActQuarantine",
	ActChangeFrom:   "ActChangeFrom",
	ActAddRcptPar:   "ActAddRcptPar",
}

func (i ModifyActCode) String() string {
	if s, ok := modifyActCodeNames[i]; ok {
		return s
	}
	return "ModifyActCode(" + strconv.QuoteRune(rune(i)) + ")"
}
