// Package chat parses the streamed assistant protocol and folds it into
// progressively growing chat messages.
//
// The wire format is newline-delimited JSON records:
//
//	{"type":"thought","content":"Checking exposure"}
//	{"type":"answer","content":"Jane holds 14% in energy"}
//
// Records may be split across arbitrary chunk boundaries.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zulandar/atlasfeed/internal/models"
)

// RecordType classifies a protocol record.
type RecordType string

const (
	RecordThought RecordType = "thought"
	RecordAnswer  RecordType = "answer"
	RecordDone    RecordType = "done"
)

// Record is one complete protocol record.
type Record struct {
	Type    RecordType `json:"type"`
	Content string     `json:"content"`
}

// Decoder splits a chunked byte stream into records. It keeps the partial
// trailing line between calls. Not safe for concurrent use.
type Decoder struct {
	buf     []byte
	onError func(error)
}

// NewDecoder creates a Decoder. onError, if set, receives a
// *models.ProtocolError for each malformed record; the record is skipped.
func NewDecoder(onError func(error)) *Decoder {
	return &Decoder{onError: onError}
}

// Write consumes one chunk and returns the records it completed.
func (d *Decoder) Write(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)
	var out []Record
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		if rec, ok := d.parse(line); ok {
			out = append(out, rec)
		}
		d.buf = d.buf[i+1:]
	}
	// Release the consumed prefix so a long stream does not pin memory.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush parses any buffered partial line as a final record.
func (d *Decoder) Flush() []Record {
	line := d.buf
	d.buf = nil
	if rec, ok := d.parse(line); ok {
		return []Record{rec}
	}
	return nil
}

// Buffered reports how many bytes are waiting for a delimiter.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) parse(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		d.report(line, err)
		return Record{}, false
	}
	switch rec.Type {
	case RecordThought, RecordAnswer, RecordDone:
		return rec, true
	default:
		d.report(line, fmt.Errorf("unknown record type %q", rec.Type))
		return Record{}, false
	}
}

func (d *Decoder) report(line []byte, err error) {
	if d.onError != nil {
		d.onError(&models.ProtocolError{Line: string(line), Err: err})
	}
}
