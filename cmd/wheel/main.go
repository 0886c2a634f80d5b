// Command wheel runs governed actions through the wheel lifecycle and
// inspects the audit trail they leave.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
//
// Exit codes:
//
//	0 = success (spoke sealed, policy allowed, log verified)
//	1 = negative outcome (spoke dead, policy denied, verification failed)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "spin":
		return runSpinCmd(args[2:], stdout, stderr)
	case "eval":
		return runEvalCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "verify-result":
		return runVerifyResultCmd(args[2:], stdout, stderr)
	case "pubkey":
		return runPubkeyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: wheel <command> [flags]

Commands:
  spin            Run a command as a governed spoke and print the result
  eval            Evaluate the configured policy for a request
  verify-audit    Verify the hash chain of a JSONL audit log
  verify-result   Verify a result's receipts and signature
  pubkey          Print the result-signing public key

Configuration is read from WHEEL_* environment variables and the YAML
file named by WHEEL_CONFIG.
`)
}
