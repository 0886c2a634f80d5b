package wheel

import (
	"time"

	"github.com/murray-ux/wheel/pkg/pdp"
	"github.com/murray-ux/wheel/pkg/receipts"
)

// Result is the immutable outcome of one Spin. Every slice and pointer
// in it is freshly allocated; nothing aliases the run-record.
type Result struct {
	ID       string        `json:"id"`
	Phase    Phase         `json:"phase"`
	Decision *pdp.Decision `json:"decision"`
	Output   any           `json:"output"`
	Error    string        `json:"error,omitempty"`
	// Code is the primary failure code. It is empty for a cleanly sealed
	// spoke.
	Code string `json:"code,omitempty"`
	// Codes lists every code recorded, in the order recorded.
	// CodeAuditFailure is the only code that co-occurs with another.
	Codes     []string           `json:"codes,omitempty"`
	Duration  *time.Duration     `json:"duration_ns,omitempty"`
	Receipts  []receipts.Receipt `json:"receipts"`
	Signature string             `json:"signature,omitempty"`
}

// Sealed reports whether the spoke completed.
func (r Result) Sealed() bool { return r.Phase == Sealed }

// HasCode reports whether code was recorded.
func (r Result) HasCode(code string) bool {
	for _, c := range r.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// ChainHead returns the last receipt's chain hash.
func (r Result) ChainHead() string {
	if len(r.Receipts) == 0 {
		return receipts.GenesisHash
	}
	return r.Receipts[len(r.Receipts)-1].ChainHash
}

// VerifyReceipts re-verifies the receipt chain against the spoke id.
func (r Result) VerifyReceipts() error {
	return receipts.Verify(r.ID, r.Receipts)
}

func (s *spoke) snapshot() Result {
	res := Result{
		ID:       s.id,
		Phase:    s.phase,
		Output:   s.output,
		Error:    s.err,
		Code:     s.code,
		Receipts: s.chain.Receipts(),
	}
	if s.decision != nil {
		d := s.decision.Clone()
		res.Decision = &d
	}
	if len(s.codes) > 0 {
		res.Codes = append([]string(nil), s.codes...)
	}
	if s.duration != nil {
		d := *s.duration
		res.Duration = &d
	}
	return res
}
