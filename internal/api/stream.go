// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// STREAMING: SSE decoding with malformed-record tolerance

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxRecordSize is the maximum allowed size for a single SSE record (64KB).
const MaxRecordSize = 64 * 1024

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventKind discriminates the events a Decoder produces.
type EventKind int

const (
	// EventTextDelta carries the next fragment of reply text.
	EventTextDelta EventKind = iota

	// EventEnd marks the normal end of the stream. No further events follow.
	EventEnd

	// EventDecodeError reports a record that could not be parsed. The
	// stream continues; the caller may log and ignore it.
	EventDecodeError

	// EventStreamFailed reports a terminal failure: either the server sent
	// an error record or the connection broke mid-stream. No further
	// events follow.
	EventStreamFailed
)

// Event is a single decoded stream event.
type Event struct {
	Kind EventKind
	Text string // fragment text for EventTextDelta
	Err  error  // cause for EventDecodeError and EventStreamFailed
}

// replyRecord is the JSON payload of one SSE data record.
// The server sends either a reply fragment or an error, never both.
type replyRecord struct {
	Reply string `json:"reply"`
	Error string `json:"error"`
}

// ServerError is an error record reported by the backend inside the stream.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "server reported stream error: " + e.Message
}

// DecodeError wraps a malformed SSE record. Decoding continues past it.
type DecodeError struct {
	Record string // the raw record data, truncated
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return "malformed stream record: " + e.Err.Error()
}

// Unwrap returns the underlying parse error.
func (e *DecodeError) Unwrap() error { return e.Err }

// =============================================================================
// DECODER
// =============================================================================

// Decoder reads SSE records from a response body and yields typed events.
//
// A Decoder is a finite, non-restartable sequence: once it has produced
// EventEnd or EventStreamFailed it produces nothing else. Records are
// `data: <json>` framed and blank-line delimited. The underlying
// bufio.Reader buffers partial records, so multi-byte runes split across
// network chunks are reassembled before JSON decoding ever sees them.
type Decoder struct {
	reader *bufio.Reader
	done   bool
}

// NewDecoder creates a Decoder over a streaming response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next event from the stream. It blocks until a complete
// record arrives, the stream ends, or reading fails. Closing the underlying
// body (the client does this on context cancellation) ends the sequence
// with EventEnd rather than a failure.
func (d *Decoder) Next() Event {
	if d.done {
		return Event{Kind: EventEnd}
	}

	for {
		data, err := d.readRecord()
		if err != nil {
			d.done = true
			if err == io.EOF || isClosedErr(err) {
				return Event{Kind: EventEnd}
			}
			return Event{Kind: EventStreamFailed, Err: err}
		}
		if len(data) == 0 {
			continue
		}

		var rec replyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// A garbled record is not fatal; surface it and move on.
			return Event{
				Kind: EventDecodeError,
				Err:  &DecodeError{Record: truncateRecord(data), Err: err},
			}
		}

		if rec.Error != "" {
			d.done = true
			return Event{Kind: EventStreamFailed, Err: &ServerError{Message: rec.Error}}
		}
		if rec.Reply == "" {
			// Keep-alive or empty fragment, nothing to deliver.
			continue
		}
		return Event{Kind: EventTextDelta, Text: rec.Reply}
	}
}

// readRecord reads one blank-line-delimited SSE record and returns the
// joined data payload. Returns io.EOF when the stream ends; trailing data
// without a closing blank line is still delivered.
func (d *Decoder) readRecord() ([]byte, error) {
	var dataLines [][]byte
	var size int

	for {
		line, err := d.reader.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
		atEOF := err != nil

		line = bytes.TrimRight(line, "\r\n")

		// Blank line ends the record.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimPrefix(line, []byte("data:"))
			data = bytes.TrimPrefix(data, []byte(" "))
			size += len(data)
			if size > MaxRecordSize {
				return nil, &DecodeError{
					Record: "(oversized)",
					Err:    io.ErrShortBuffer,
				}
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (event:, id:, retry:, comments).

		// A stream ending without its closing blank line still delivers
		// what it carried.
		if atEOF {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
	}
}

// isClosedErr reports whether err comes from reading a response body that
// was closed out from under us, which is how cancellation surfaces.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	// net/http returns this exact message through an errors.New value that
	// is not exported, so string matching is the only option.
	return err.Error() == "http: read on closed response body" ||
		bytes.Contains([]byte(err.Error()), []byte("use of closed network connection")) ||
		bytes.Contains([]byte(err.Error()), []byte("context canceled"))
}

func truncateRecord(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
