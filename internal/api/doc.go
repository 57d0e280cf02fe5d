// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the HTTP transport to the Starpal chat backend.
//
// The backend answers POST /api/chat with a Server-Sent Events stream of
// reply fragments. This package provides the client that issues requests
// and the decoder that turns the raw stream into typed events.
//
// # Key Types
//
//   - Client: HTTP client for the chat backend with client-side rate limiting
//   - Decoder: pull-based SSE decoder producing TextDelta/End/failure events
//   - Event: a single decoded stream event
//
// # Usage
//
// Start a reply stream and drain it:
//
//	body, err := client.Chat(ctx, api.ChatRequest{
//	    Message: "Hello",
//	    ChatID:  conv.ID,
//	})
//	if err != nil { ... }
//	defer body.Close()
//
//	dec := api.NewDecoder(body)
//	for {
//	    ev := dec.Next()
//	    if ev.Kind == api.EventEnd {
//	        break
//	    }
//	    ...
//	}
package api
