package receipts

import (
	"errors"
	"fmt"
)

// ErrChainBroken is matched by every *MismatchError.
var ErrChainBroken = errors.New("receipt chain is broken")

// MismatchError reports the first receipt whose stored hash does not
// match its recomputed hash. Every receipt from Index on is untrusted.
type MismatchError struct {
	Index    int
	Phase    string
	Expected string
	Stored   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("receipt chain broken at index %d (%s): computed %s, stored %s",
		e.Index, e.Phase, e.Expected, e.Stored)
}

func (e *MismatchError) Is(target error) bool { return target == ErrChainBroken }

// Verify walks list in order, recomputing each hash from the previous
// receipt's stored hash (GenesisHash for the first) and comparing it to
// the stored value. It is a pure fold over list.
func Verify(spokeID string, list []Receipt) error {
	if spokeID == "" {
		return ErrEmptySpokeID
	}
	prev := GenesisHash
	for i, r := range list {
		expected, err := ComputeHash(prev, r.Phase, r.Timestamp, spokeID)
		if err != nil {
			return fmt.Errorf("receipts: recompute index %d: %w", i, err)
		}
		if expected != r.ChainHash {
			return &MismatchError{
				Index:    i,
				Phase:    r.Phase,
				Expected: expected,
				Stored:   r.ChainHash,
			}
		}
		prev = r.ChainHash
	}
	return nil
}
