package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOPATimeout = 5 * time.Second
	defaultOPAPath    = "/v1/data/wheel/authz"
)

// OPAConfig configures the OPA adapter.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g., "http://localhost:8181").
	URL string `json:"url"`
	// PolicyPath overrides the default decision path "/v1/data/wheel/authz".
	PolicyPath string `json:"policy_path,omitempty"`
	// Timeout sets the HTTP call timeout. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty"`
	// PolicyVersion is stamped on every decision.
	PolicyVersion string `json:"policy_version,omitempty"`
}

// OPA evaluates requests against a remote OPA HTTP API. Any transport
// error, non-200 status or undecodable body is a DENY.
type OPA struct {
	config OPAConfig
	client *http.Client
}

var _ Evaluator = (*OPA)(nil)

// NewOPA creates an OPA-backed evaluator.
func NewOPA(cfg OPAConfig) *OPA {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOPATimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	return &OPA{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type opaRequest struct {
	Input Input `json:"input"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow   bool     `json:"allow"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// Evaluate implements Evaluator. It never returns an error.
func (o *OPA) Evaluate(ctx context.Context, in Input) (Decision, error) {
	payload, err := json.Marshal(opaRequest{Input: in})
	if err != nil {
		return o.deny("opa.marshal", err.Error()), nil
	}

	url := o.config.URL + o.config.PolicyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return o.deny("opa.request", err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return o.deny("opa.unreachable", err.Error()), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return o.deny("opa.http", fmt.Sprintf("status %d", resp.StatusCode)), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return o.deny("opa.read", err.Error()), nil
	}
	var out opaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return o.deny("opa.parse", err.Error()), nil
	}
	if out.Result == nil {
		return o.deny("opa.no_result", "no-match"), nil
	}

	d := Decision{
		Effect:        EffectDeny,
		Reasons:       out.Result.Reasons,
		EvaluatedAt:   time.Now().UTC(),
		PolicyVersion: o.config.PolicyVersion,
	}
	if out.Result.Allow {
		d.Effect = EffectAllow
	}
	if len(d.Reasons) == 0 {
		d.Reasons = []Reason{{RuleID: "opa", Message: o.config.PolicyPath}}
	}
	return d, nil
}

func (o *OPA) deny(ruleID, message string) Decision {
	return Deny(o.config.PolicyVersion, ruleID, message)
}
