package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const (
	// STUN message constants from RFC 5389
	magicCookie         = 0x2112A442
	bindingRequest      = 0x0001
	bindingResponse     = 0x0101
	xorMappedAddress    = 0x0020
	messageHeaderSize   = 20
	transactionIDSize   = 12
	attributeHeaderSize = 4

	// Address family constants
	familyIPv4 = 0x01
)

// Transaction is a single in-flight Binding Request.
// The ID is generated but the raw-scan parser does not check it against the response.
type Transaction struct {
	ID       [transactionIDSize]byte
	Server   *net.UDPAddr
	Deadline time.Time
}

// NewTransaction creates a transaction with a random ID.
func NewTransaction(server *net.UDPAddr, timeout time.Duration) (*Transaction, error) {
	tx := &Transaction{
		Server:   server,
		Deadline: time.Now().Add(timeout),
	}
	if _, err := rand.Read(tx.ID[:]); err != nil {
		return nil, fmt.Errorf("generate transaction ID: %w", err)
	}
	return tx, nil
}

// Request returns the wire form of the transaction's Binding Request.
func (tx *Transaction) Request() []byte {
	return buildBindingRequest(tx.ID[:])
}

// buildBindingRequest creates a STUN Binding Request message
func buildBindingRequest(transactionID []byte) []byte {
	// STUN message header (20 bytes):
	// 0-1: Message Type
	// 2-3: Message Length (0 for no attributes)
	// 4-7: Magic Cookie
	// 8-19: Transaction ID

	msg := make([]byte, messageHeaderSize)

	binary.BigEndian.PutUint16(msg[0:2], bindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], transactionID)

	return msg
}
