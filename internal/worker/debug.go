package worker

import (
	"log"
	"os"
)

// debugLog traces dispatcher and worker decisions. Off unless
// FLOWINTAKE_WORKER_DEBUG=1, since it fires once per job.
var debugLog = func(string, ...interface{}) {}

func init() {
	if os.Getenv("FLOWINTAKE_WORKER_DEBUG") == "1" {
		debugLog = log.Printf
	}
}
