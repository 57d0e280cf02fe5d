// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"sync"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"/help", "help", ""},
		{"/rename My new title", "rename", "My new title"},
		{"/OPEN 3", "open", "3"},
		{"/search  hello world ", "search", "hello world"},
		{"/q", "q", ""},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.input)
		if cmd != tt.wantCmd || arg != tt.wantArg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)",
				tt.input, cmd, arg, tt.wantCmd, tt.wantArg)
		}
	}
}

func TestActiveConversationSafeAcrossGoroutines(t *testing.T) {
	// The signal handler reads the open conversation while the loop
	// switches it; the accessors must serialize those.
	r := &REPL{}
	r.setActive("start")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.setActive("conv")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if id := r.active(); id == "" {
					t.Error("active conversation lost")
					return
				}
			}
		}()
	}
	wg.Wait()
}
