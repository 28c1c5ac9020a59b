// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/nextdns-profile-monitor/app"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

// stateDumper is the part of the application the debug signals inspect.
type stateDumper interface {
	DumpApplicationState()
}

// setupDebugSignalHandlers installs the debug signal handlers:
//
//	kill -USR1 <pid>  # log paired devices, poll timers, pairing sessions
//	kill -USR2 <pid>  # log all goroutine stack traces
func setupDebugSignalHandlers(state stateDumper) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	go handleDebugSignals(sigChan, state, app.DumpGoroutineStackTraces)
	logger.Debug().Msg("Debug signal handlers installed (SIGUSR1, SIGUSR2)")
}

func handleDebugSignals(sigChan <-chan os.Signal, state stateDumper, dumpStacks func()) {
	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			state.DumpApplicationState()
		case syscall.SIGUSR2:
			dumpStacks()
		}
	}
}
