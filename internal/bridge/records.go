package bridge

import (
	"bytes"

	json "github.com/json-iterator/go"
)

const kindContent = "content"

// Record is one line of the remote chat's NDJSON stream.
type Record struct {
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// Text returns the content payload as text. String payloads are unquoted;
// anything else is returned as its JSON source.
func (r Record) Text() string {
	if len(r.Content) == 0 || string(r.Content) == "null" {
		return ""
	}
	if r.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(r.Content, &s); err == nil {
			return s
		}
	}
	return string(r.Content)
}

func decodeRecord(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, &DecodeError{Line: string(line), Err: err}
	}
	return r, nil
}

// recordBuffer reassembles newline-terminated records from arbitrarily split
// chunks. It works on bytes, so a multi-byte character split across two
// chunks is rejoined before anything is decoded.
type recordBuffer struct {
	pending []byte
}

// write appends p and returns every complete, non-blank line now available,
// without the terminator.
func (b *recordBuffer) write(p []byte) [][]byte {
	b.pending = append(b.pending, p...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		if line := cleanLine(b.pending[:i]); line != nil {
			lines = append(lines, line)
		}
		b.pending = b.pending[i+1:]
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines
}

// flush returns whatever unterminated text remains, or nil.
func (b *recordBuffer) flush() []byte {
	line := cleanLine(b.pending)
	b.pending = nil
	return line
}

func cleanLine(raw []byte) []byte {
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return append([]byte(nil), raw...)
}
