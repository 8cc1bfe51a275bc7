// Package stream turns a chunked upstream event stream into content deltas
package stream

import (
	"bytes"
	"encoding/json"

	"xmodel-api/internal/shared"
)

type eventKind int

const (
	// line carried a delta
	eventDelta eventKind = iota
	// valid event without choices[0].delta.content
	eventSkip
	// not json, including the [DONE] sentinel
	eventMalformed
	// no data prefix
	eventIgnored
)

// Reassembler is the transport independent state machine. Lines can be split
// over any number of chunks, so the only thing kept between chunks is the
// tail that has not seen its newline yet.
type Reassembler struct {
	prefix []byte
	carry  []byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{prefix: []byte(shared.StreamDataPrefix)}
}

// Feed processes one chunk and returns the deltas of every line it completed.
// The chunk is not retained.
func (r *Reassembler) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	data := chunk
	if len(r.carry) > 0 {
		data = append(r.carry, chunk...)
	}

	var deltas []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if delta, kind := r.parseLine(data[:i]); kind == eventDelta {
			deltas = append(deltas, delta)
		}
		data = data[i+1:]
	}

	// Whatever is left has no terminator yet and may still grow. It is only
	// parsed once its newline shows up or the input ends.
	r.carry = append(r.carry[:0], data...)
	return deltas
}

// Flush makes the single best effort attempt at the unterminated tail once
// the input ended. Failures are swallowed.
func (r *Reassembler) Flush() []string {
	if len(r.carry) == 0 {
		return nil
	}
	line := r.carry
	r.carry = nil
	if delta, kind := r.parseLine(line); kind == eventDelta {
		return []string{delta}
	}
	return nil
}

// Pending is the number of carried bytes
func (r *Reassembler) Pending() int {
	return len(r.carry)
}

func (r *Reassembler) parseLine(line []byte) (string, eventKind) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	payload, ok := bytes.CutPrefix(line, r.prefix)
	if !ok {
		return "", eventIgnored
	}
	return parseEvent(payload)
}

func parseEvent(payload []byte) (string, eventKind) {
	var event shared.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", eventMalformed
	}
	if len(event.Choices) == 0 {
		return "", eventSkip
	}
	delta := event.Choices[0].Delta
	if delta == nil || delta.Content == nil || *delta.Content == "" {
		return "", eventSkip
	}
	return *delta.Content, eventDelta
}
