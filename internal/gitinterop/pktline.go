package gitinterop

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
)

// pktBuffer accumulates pkt-lines in memory so a response is either produced whole or not at all.
type pktBuffer struct {
	buf bytes.Buffer
	enc *pktline.Encoder
	err error
}

func newPktBuffer() *pktBuffer {
	p := &pktBuffer{}
	p.enc = pktline.NewEncoder(&p.buf)
	return p
}

func (p *pktBuffer) linef(format string, a ...any) {
	if p.err != nil {
		return
	}
	p.err = p.enc.Encodef(format, a...)
}

func (p *pktBuffer) flush() {
	if p.err != nil {
		return
	}
	p.err = p.enc.Flush()
}

func (p *pktBuffer) Bytes() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf.Bytes(), nil
}

// RefUpdate is one command line of a receive-pack request.
type RefUpdate struct {
	Old  string
	New  string
	Name string
}

const zeroHash = "0000000000000000000000000000000000000000"

func (u RefUpdate) Deletes() bool { return u.New == zeroHash }
func (u RefUpdate) Creates() bool { return u.Old == zeroHash }

// peekRefUpdates reads the command section of a receive-pack request and returns the parsed
// updates plus a reader that replays the consumed bytes followed by the rest of body.
func peekRefUpdates(body io.Reader) ([]RefUpdate, io.Reader, error) {
	var consumed bytes.Buffer
	scanner := pktline.NewScanner(io.TeeReader(body, &consumed))
	var updates []RefUpdate
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			break
		}
		if u, ok := parseRefUpdate(string(line)); ok {
			updates = append(updates, u)
		}
	}
	replay := io.MultiReader(bytes.NewReader(consumed.Bytes()), body)
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, replay, fmt.Errorf("read receive-pack commands: %w", err)
	}
	return updates, replay, nil
}

func parseRefUpdate(line string) (RefUpdate, bool) {
	if idx := strings.IndexByte(line, 0); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Fields(strings.TrimSuffix(line, "\n"))
	if len(fields) != 3 || len(fields[0]) != 40 || len(fields[1]) != 40 {
		return RefUpdate{}, false
	}
	return RefUpdate{Old: fields[0], New: fields[1], Name: fields[2]}, true
}
