package session

import (
	"fmt"
	"strings"
)

// SystemType is the first field of a CNXN identity string.
type SystemType string

const (
	SystemBootloader SystemType = "bootloader"
	SystemDevice     SystemType = "device"
	SystemHost       SystemType = "host"
)

func (t SystemType) Valid() bool {
	switch t {
	case SystemBootloader, SystemDevice, SystemHost:
		return true
	default:
		return false
	}
}

// Identity is the "<systemType>:<serialNumber>:<banner>" triple exchanged
// in CNXN. Serial and Banner may be empty.
type Identity struct {
	SystemType SystemType
	Serial     string
	Banner     string
}

func (id Identity) String() string {
	return string(id.SystemType) + ":" + id.Serial + ":" + id.Banner
}

// payload is the CNXN payload form, NUL terminated.
func (id Identity) payload() []byte {
	return append([]byte(id.String()), 0)
}

// ParseIdentity parses a peer identity string. A trailing NUL is ignored.
// The banner is everything after the second colon and may itself contain
// colons.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimRight(s, "\x00")
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return Identity{}, fmt.Errorf("malformed identity %q", s)
	}
	id := Identity{SystemType: SystemType(parts[0]), Serial: parts[1]}
	if len(parts) == 3 {
		id.Banner = parts[2]
	}
	if !id.SystemType.Valid() {
		return Identity{}, fmt.Errorf("unknown system type %q", parts[0])
	}
	return id, nil
}
