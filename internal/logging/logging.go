// Package logging initializes the root logger and provides some helpers.
package logging

import (
	"log"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

const verboseEnv = "CANVAS_VERBOSE"

var root logr.Logger

// Log returns the root logger.
func Log() logr.Logger { return root }

func init() { // Env verbosity applies at startup, Init() can over-ride.
	root = stdr.New(log.New(os.Stderr, "canvas ", log.LstdFlags))
	if n, err := strconv.Atoi(os.Getenv(verboseEnv)); err == nil {
		stdr.SetVerbosity(n)
	}
}

// Init sets verbosity for the root logger.
func Init(verbosity int) {
	if verbosity != 0 {
		stdr.SetVerbosity(verbosity)
	}
}
