package main

import (
	"syscall"
	"testing"
)

func TestShutdownSignalsIncludeSIGTERM(t *testing.T) {
	for _, signal := range shutdownSignals {
		if signal == syscall.SIGKILL {
			t.Errorf("SIGKILL cannot be trapped")
		}
		if signal == syscall.SIGTERM {
			return
		}
	}
	t.Errorf("expected SIGTERM in %v", shutdownSignals)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"covers", "resolve"},
		{"covers", "clear"},
		{"read"},
		{"usage"},
		{"session"},
		{"shrink-database"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("expected command %v, got err=%v", path, err)
		}
	}
}
