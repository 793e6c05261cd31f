package protocol

import "fmt"

// Protocol version sent in CNXN arg0.
const Version uint32 = 0x01000000

// Header: six little-endian u32 fields
// [command][arg0][arg1][data_length][data_check][magic]
const HeaderSize = 24

// MaxPayload is the largest payload this side advertises in CNXN arg1.
const MaxPayload uint32 = 4096

// MinPayload is the smallest peer-declared max payload we accept during
// the handshake.
const MinPayload uint32 = 256

// MaxDataLength bounds data_length on inbound frames. A header claiming
// more than this is treated as a framing error instead of waiting for
// bytes that will never come.
const MaxDataLength = 1 << 20

// Command identifies a message. Each code is the little-endian u32 of a
// 4-character ASCII mnemonic.
type Command uint32

const (
	CmdSYNC Command = 0x434e5953
	CmdCNXN Command = 0x4e584e43
	CmdOPEN Command = 0x4e45504f
	CmdOKAY Command = 0x59414b4f
	CmdCLSE Command = 0x45534c43
	CmdWRTE Command = 0x45545257
)

// Known reports whether c is one of the fixed command codes.
func (c Command) Known() bool {
	switch c {
	case CmdSYNC, CmdCNXN, CmdOPEN, CmdOKAY, CmdCLSE, CmdWRTE:
		return true
	default:
		return false
	}
}

func (c Command) String() string {
	if !c.Known() {
		return fmt.Sprintf("0x%08x", uint32(c))
	}
	return string([]byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)})
}
