package cli

import (
	"errors"
	"fmt"
	"os"
	"sync"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
)

// Exit codes returned by ExecuteWithErrorCode.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitRelink      = 3
	ExitRateLimited = 4
	ExitForbidden   = 5
	ExitLoginFailed = 6
)

var initOnce sync.Once

// InitCLI registers the global flags once. Subcommands attach themselves
// from init functions.
func InitCLI() {
	initOnce.Do(InitRoot)
}

// Execute runs the root command with args and returns its error unchanged.
func Execute(args []string) error {
	InitCLI()
	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}

// ExecuteWithErrorCode runs the root command and maps the outcome to a
// process exit code.
func ExecuteWithErrorCode(args []string) int {
	err := Execute(args)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if h := hint(err); h != "" {
		fmt.Fprintln(os.Stderr, h)
	}
	return exitCode(err)
}

func hint(err error) string {
	switch {
	case tverrors.NeedsRelink(err):
		return "Run \"tokenvault link <provider>\" to authorize the account again."
	case tverrors.IsTokenExchange(err):
		return "Login failed, try again with \"tokenvault link <provider>\"."
	default:
		return ""
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case tverrors.NeedsRelink(err):
		return ExitRelink
	case tverrors.IsRateLimited(err):
		return ExitRateLimited
	case errors.Is(err, tverrors.ErrUnauthorized):
		return ExitForbidden
	case tverrors.IsTokenExchange(err):
		return ExitLoginFailed
	case tverrors.IsValidation(err):
		return ExitUsage
	default:
		return ExitFailure
	}
}
