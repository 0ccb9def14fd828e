package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rhuss/kapsel/pkg/debug"
)

// DefaultMaxFrameSize bounds a single frame. Larger lines are discarded
// and reported as a DecodeError.
const DefaultMaxFrameSize = 8 << 20

// Reader decodes frames from a byte stream. It makes no assumption about
// how the stream is chunked: a frame may arrive across many reads, and
// one read may carry many frames.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewReader returns a Reader with the given frame limit. A limit <= 0
// selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		br:  bufio.NewReaderSize(r, 64*1024),
		max: maxFrameSize,
	}
}

// ReadMessage returns the next frame. Blank lines are skipped.
//
// It returns io.EOF when the stream ends on a frame boundary,
// io.ErrUnexpectedEOF when it ends inside a frame, and a *DecodeError
// for a malformed or oversize frame. After a DecodeError the Reader is
// positioned at the next frame and may be used again.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return Message{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		debug.Trace("ipc", "frame in", "frame", string(line))

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, &DecodeError{Frame: debug.Truncate(string(line), 256), Err: err}
		}
		if msg.Kind() == KindInvalid {
			return Message{}, &DecodeError{Frame: debug.Truncate(string(line), 256), Err: errInvalidEnvelope}
		}
		return msg, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	r.buf = r.buf[:0]
	oversize := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !oversize {
			if len(r.buf)+len(chunk) > r.max+1 {
				oversize = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversize {
				return nil, &DecodeError{Err: fmt.Errorf("%w: limit %d bytes", ErrFrameTooLarge, r.max)}
			}
			return r.buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(r.buf) == 0 && !oversize {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Writer encodes frames onto a byte stream. It is safe for concurrent use:
// each frame is written with a single Write call under a mutex, so frames
// from different goroutines never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage writes msg followed by a newline.
func (w *Writer) WriteMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	debug.Trace("ipc", "frame out", "frame", string(data[:len(data)-1]))

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}
