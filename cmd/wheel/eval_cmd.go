package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/murray-ux/wheel/pkg/config"
	"github.com/murray-ux/wheel/pkg/pdp"
)

// runEvalCmd implements `wheel eval`: a policy dry run with no
// execution and no audit.
func runEvalCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("eval", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		req     requestFlags
		timeout time.Duration
	)
	req.register(cmd)
	cmd.DurationVar(&timeout, "timeout", 5*time.Second, "Evaluation timeout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if err := req.validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	spokeCtx, err := req.contextMap()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	evaluator, err := newEvaluator(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	decision, err := evaluator.Evaluate(ctx, pdp.Input{
		Principal: req.principal,
		Action:    req.action,
		Resource:  req.resource,
		Tags:      req.tags,
		Context:   spokeCtx,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: evaluation failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(decision)
	if !decision.Allowed() {
		return 1
	}
	return 0
}
