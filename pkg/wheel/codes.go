package wheel

import "github.com/murray-ux/wheel/pkg/abort"

// Failure codes. Every Dead result carries exactly one of these as its
// primary code; CodeAuditFailure may additionally co-occur with another.
const (
	CodeIllegalTransition = "W-001"
	CodePolicyDenied      = "W-002"
	CodeAttestation       = "W-003"
	CodeDeadline          = abort.CodeDeadline // W-004
	CodeExecutor          = "W-005"
	CodeAuditFailure      = "W-006"
	CodeExternalAbort     = abort.CodeExternal // W-007
)

var knownCodes = map[string]bool{
	CodeIllegalTransition: true,
	CodePolicyDenied:      true,
	CodeAttestation:       true,
	CodeDeadline:          true,
	CodeExecutor:          true,
	CodeAuditFailure:      true,
	CodeExternalAbort:     true,
}

// abortCode maps an abort reason onto the failure table. Reasons carrying
// a known code keep it; anything else is an external abort.
func abortCode(r *abort.Reason) string {
	if r != nil && knownCodes[r.Code] {
		return r.Code
	}
	return CodeExternalAbort
}
