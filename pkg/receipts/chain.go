// Package receipts implements the hash-linked transition log kept for
// every spoke.
//
// Each receipt's ChainHash is SHA-256 over the JCS form of the previous
// receipt's stored hash (GenesisHash for the first), the phase entered,
// the timestamp and the spoke identifier. A Chain is append-only: Append
// returns a new Chain and never writes through to the receiver.
package receipts

import (
	"errors"
	"fmt"
	"time"

	"github.com/murray-ux/wheel/pkg/canonicalize"
)

// GenesisHash seeds the first link of every chain.
var GenesisHash = canonicalize.HashBytes([]byte("wheel.receipts.genesis.v1"))

// ErrEmptySpokeID is returned when a chain is built without an identifier.
var ErrEmptySpokeID = errors.New("receipts: spoke id is required")

// Receipt records one phase transition.
type Receipt struct {
	Phase     string    `json:"phase"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
	ChainHash string    `json:"chain_hash"`
}

// link is the hashed projection of a receipt.
type link struct {
	Prev      string `json:"prev"`
	Phase     string `json:"phase"`
	Timestamp string `json:"timestamp"`
	SpokeID   string `json:"spoke_id"`
}

// ComputeHash returns the chain hash for a receipt entering phase at ts,
// following prev, for the spoke identified by spokeID.
func ComputeHash(prev, phase string, ts time.Time, spokeID string) (string, error) {
	return canonicalize.CanonicalHash(link{
		Prev:      prev,
		Phase:     phase,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		SpokeID:   spokeID,
	})
}

// Chain is an immutable, append-only sequence of receipts for one spoke.
// The zero value is not usable; start from New.
type Chain struct {
	spokeID string
	entries []Receipt
}

// New returns an empty chain for spokeID.
func New(spokeID string) (Chain, error) {
	if spokeID == "" {
		return Chain{}, ErrEmptySpokeID
	}
	return Chain{spokeID: spokeID}, nil
}

// SpokeID returns the identifier the chain is bound to.
func (c Chain) SpokeID() string { return c.spokeID }

// Len returns the number of receipts.
func (c Chain) Len() int { return len(c.entries) }

// Head returns the chain hash of the last receipt, or GenesisHash.
func (c Chain) Head() string {
	if len(c.entries) == 0 {
		return GenesisHash
	}
	return c.entries[len(c.entries)-1].ChainHash
}

// Append returns a new chain extended by one receipt. The receiver is
// left untouched and shares no backing storage with the result.
func (c Chain) Append(phase, code, detail string, ts time.Time) (Chain, error) {
	if c.spokeID == "" {
		return Chain{}, ErrEmptySpokeID
	}
	ts = ts.UTC()
	hash, err := ComputeHash(c.Head(), phase, ts, c.spokeID)
	if err != nil {
		return Chain{}, fmt.Errorf("receipts: hash %s receipt: %w", phase, err)
	}

	next := make([]Receipt, len(c.entries), len(c.entries)+1)
	copy(next, c.entries)
	next = append(next, Receipt{
		Phase:     phase,
		Code:      code,
		Timestamp: ts,
		Detail:    detail,
		ChainHash: hash,
	})
	return Chain{spokeID: c.spokeID, entries: next}, nil
}

// Receipts returns a copy of the receipts in append order.
func (c Chain) Receipts() []Receipt {
	out := make([]Receipt, len(c.entries))
	copy(out, c.entries)
	return out
}

// Verify checks the chain against its own spoke identifier.
func (c Chain) Verify() error {
	return Verify(c.spokeID, c.entries)
}

// Restore rebuilds a chain from stored receipts. The receipts are copied
// but not verified; call Verify before trusting the result.
func Restore(spokeID string, list []Receipt) (Chain, error) {
	if spokeID == "" {
		return Chain{}, ErrEmptySpokeID
	}
	entries := make([]Receipt, len(list))
	copy(entries, list)
	return Chain{spokeID: spokeID, entries: entries}, nil
}

// Last returns the most recent receipt.
func (c Chain) Last() (Receipt, bool) {
	if len(c.entries) == 0 {
		return Receipt{}, false
	}
	return c.entries[len(c.entries)-1], true
}
