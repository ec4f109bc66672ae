// Package sse decodes the chat event stream. Frames are separated by a
// blank line; each "data:" line of a frame carries one JSON event.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/user/buddy/internal/types"
)

const defaultChunkSize = 4096

var (
	frameBoundary = []byte("\n\n")
	lineBreak     = []byte("\n")
	dataPrefix    = []byte("data:")
)

type Option func(*Decoder)

// WithChunkSize sets how many bytes are requested per read.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// Decoder yields events from a byte stream in wire order. It is not
// restartable: once Next returns an error every later call returns it too.
type Decoder struct {
	r       io.Reader
	chunk   []byte
	buf     []byte
	pending []types.Event
	err     error

	frames  int
	dropped int
}

func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{r: r, chunk: make([]byte, defaultChunkSize)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event, io.EOF when the stream is exhausted, or
// ctx.Err() once ctx is done. Bytes left without a closing boundary at EOF
// are discarded.
func (d *Decoder) Next(ctx context.Context) (types.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			d.stop(err)
			return nil, err
		}
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.nextFrame() {
			continue
		}
		if d.err != nil {
			if errors.Is(d.err, io.EOF) && len(d.buf) > 0 {
				slog.Debug("discarding unterminated frame", "bytes", len(d.buf))
				d.buf = nil
			}
			return nil, d.err
		}
		d.fill(ctx)
	}
}

// Frames reports how many complete frames have been consumed.
func (d *Decoder) Frames() int { return d.frames }

// Dropped reports how many data payloads failed to decode.
func (d *Decoder) Dropped() int { return d.dropped }

func (d *Decoder) fill(ctx context.Context) {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
	}
	if cerr := ctx.Err(); cerr != nil {
		d.stop(cerr)
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		d.err = io.EOF
	default:
		d.err = fmt.Errorf("read stream: %w", err)
	}
}

// stop discards everything buffered so nothing is yielded after err.
func (d *Decoder) stop(err error) {
	d.pending = nil
	d.buf = nil
	d.err = err
}

// nextFrame cuts one frame off the buffer and queues its events. It
// reports false when no complete frame is buffered.
func (d *Decoder) nextFrame() bool {
	idx := bytes.Index(d.buf, frameBoundary)
	if idx < 0 {
		return false
	}
	frame := d.buf[:idx]
	d.buf = d.buf[idx+len(frameBoundary):]
	d.frames++

	for _, line := range bytes.Split(frame, lineBreak) {
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		ev, err := types.DecodeEvent(payload)
		if err != nil {
			d.dropped++
			slog.Warn("dropping malformed stream payload", "payload", string(payload), "error", err)
			continue
		}
		d.pending = append(d.pending, ev)
	}
	return true
}
