package stun

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/saintparish4/holechat/pkg/types"
)

var (
	// ErrNoMappedAddress means the response carries no XOR-MAPPED-ADDRESS marker.
	ErrNoMappedAddress = errors.New("could not find XOR-MAPPED-ADDRESS")

	xorMappedMarker = []byte{0x00, 0x20}
)

// parseMappedAddress extracts the external endpoint from a Binding Response.
//
// The attribute is located by scanning the bytes after the header for the
// 0x0020 type marker rather than walking the attribute list. The port sits
// after the 4-byte attribute header and the reserved/family pair, so at
// marker+6. The IPv4 address that follows is decoded when present; otherwise
// the returned endpoint has an empty IP.
func parseMappedAddress(response []byte) (*types.Endpoint, error) {
	if len(response) < messageHeaderSize {
		return nil, fmt.Errorf("response too short: %d bytes", len(response))
	}

	if cookie := binary.BigEndian.Uint32(response[4:8]); cookie != magicCookie {
		return nil, fmt.Errorf("invalid magic cookie: 0x%08x", cookie)
	}

	index := bytes.Index(response[messageHeaderSize:], xorMappedMarker)
	if index == -1 {
		return nil, ErrNoMappedAddress
	}
	index += messageHeaderSize

	portOffset := index + attributeHeaderSize + 2
	if portOffset+2 > len(response) {
		return nil, fmt.Errorf("XOR-MAPPED-ADDRESS truncated at offset %d", index)
	}

	rawPort := binary.BigEndian.Uint16(response[portOffset : portOffset+2])
	endpoint := &types.Endpoint{
		Port: int(rawPort ^ uint16(magicCookie>>16)),
	}

	family := response[index+attributeHeaderSize+1]
	ipOffset := portOffset + 2
	if family == familyIPv4 && ipOffset+4 <= len(response) {
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], magicCookie)

		ip := make(net.IP, 4)
		for i := range ip {
			ip[i] = response[ipOffset+i] ^ key[i]
		}
		endpoint.IP = ip.String()
	}

	return endpoint, nil
}
