// Package e2e spawns real worker processes by re-executing the test
// binary. The starter launches os.Executable with "worker" arguments and
// a marker env var; TestMain intercepts that invocation and hands control
// to the worker loop instead of the test runner.
package e2e

import (
	"fmt"
	"os"
	"testing"

	"github.com/mattjoyce/journeyman/internal/actions"
	"github.com/mattjoyce/journeyman/internal/log"
	"github.com/mattjoyce/journeyman/internal/worker"
)

const workerEnvVar = "JOURNEYMAN_E2E_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnvVar) == "1" {
		catalog, err := actions.DefaultCatalog()
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker: %v\n", err)
			os.Exit(1)
		}
		args := os.Args[1:]
		if len(args) > 0 && args[0] == "worker" {
			args = args[1:]
		}
		os.Exit(worker.Main(catalog, args, os.Stdin, os.Stdout, os.Stderr))
	}

	log.Setup("ERROR")
	os.Exit(m.Run())
}
