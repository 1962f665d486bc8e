// autolark keeps a GitHub issue tracker and a Lark Bitable in sync
// through a durable local outbox. The CLI fronts the intent API; the
// serve command runs the dispatcher and reconcilers as a daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/katadavidxd/autolark/internal/gateway"
	"github.com/katadavidxd/autolark/internal/intent"
)

// sysexits-style codes, shared with the deployment's run scripts.
const (
	exitOK        = 0
	exitConfig    = 64 // invalid configuration or usage
	exitAuth      = 65 // unrecoverable external auth failure
	exitInternal  = 70 // internal error
	exitTransient = 75 // transient failure, retry may succeed
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, intent.ErrValidation) || errors.Is(err, errInvalidConfig) {
		return exitConfig
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case gateway.KindUnauthorized:
			return exitAuth
		case gateway.KindRateLimited, gateway.KindTransient:
			return exitTransient
		}
	}
	return exitInternal
}
