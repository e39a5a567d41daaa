// String methods for the negotiation bitmasks. These are hand-written:
// stringer renders a value as one name, but OptAction/OptProtocol values are
// bit sets and diagnostics need every set bit spelled out.

package milter

import "strconv"

var optActionNames = map[OptAction]string{
	OptAddHeader:       "OptAddHeader",
	OptChangeBody:      "OptChangeBody",
	OptAddRcpt:         "OptAddRcpt",
	OptRemoveRcpt:      "OptRemoveRcpt",
	OptChangeHeader:    "OptChangeHeader",
	OptQuarantine:      "OptQuarantine",
	OptChangeFrom:      "OptChangeFrom",
	OptAddRcptWithArgs: "OptAddRcptWithArgs",
	OptSetMacros:       "OptSetMacros",
}

// String renders o as the bitwise-or of its named bits (lowest bit first),
// falling back to "internal bit N" for an unnamed bit 28-30 and to
// "unknown bit N" for any other bit this package does not name.
func (o OptAction) String() string {
	return joinBits(uint32(o), func(bit uint32) string {
		if name, ok := optActionNames[OptAction(bit)]; ok {
			return name
		}
		return ""
	})
}

var optProtocolNames = map[OptProtocol]string{
	OptNoConnect:          "OptNoConnect",
	OptNoHelo:             "OptNoHelo",
	OptNoMailFrom:         "OptNoMailFrom",
	OptNoRcptTo:           "OptNoRcptTo",
	OptNoBody:             "OptNoBody",
	OptNoHeaders:          "OptNoHeaders",
	OptNoEOH:              "OptNoEOH",
	OptNoHeaderReply:      "OptNoHeaderReply",
	OptNoUnknown:          "OptNoUnknown",
	OptNoData:             "OptNoData",
	OptSkip:               "OptSkip",
	OptRcptRej:            "OptRcptRej",
	OptNoConnReply:        "OptNoConnReply",
	OptNoHeloReply:        "OptNoHeloReply",
	OptNoMailReply:        "OptNoMailReply",
	OptNoRcptReply:        "OptNoRcptReply",
	OptNoDataReply:        "OptNoDataReply",
	OptNoUnknownReply:     "OptNoUnknownReply",
	OptNoEOHReply:         "OptNoEOHReply",
	OptNoBodyReply:        "OptNoBodyReply",
	OptHeaderLeadingSpace: "OptHeaderLeadingSpace",
	OptProtocol(optMds256K): "optMds256K",
	OptProtocol(optMds1M):   "optMds1M",
}

// String renders o as the bitwise-or of its named bits (lowest bit first).
// Bits 28-30 are the Sendmail-internal mask (SMFI_INTERNAL); bit 30 has no
// individual name of its own and renders as "internal bit 30". Any other
// unnamed bit renders as "unknown bit N".
func (o OptProtocol) String() string {
	return joinBits(uint32(o), func(bit uint32) string {
		if name, ok := optProtocolNames[OptProtocol(bit)]; ok {
			return name
		}
		return ""
	})
}

func joinBits(v uint32, name func(bit uint32) string) string {
	if v == 0 {
		return ""
	}
	out := ""
	for b := uint32(0); b < 32; b++ {
		bit := uint32(1) << b
		if v&bit == 0 {
			continue
		}
		n := name(bit)
		if n == "" {
			if b >= 28 && b <= 30 {
				n = "internal bit " + strconv.Itoa(int(b))
			} else {
				n = "unknown bit " + strconv.Itoa(int(b))
			}
		}
		if out != "" {
			out += "|"
		}
		out += n
	}
	return out
}
