// Package channel carries the crash handshake between a guarded instance and
// its supervisor over a unix domain socket.
//
// The exchange is strictly ordered:
//
//	guarded                     supervisor
//	hello(pid, token)   ---->
//	                    <----   accept | reject
//	...                         (polling)
//	crash(reason)       ---->
//	(parked in read)            capture snapshot, run callbacks
//	                    <----   ack
//	terminate
//
// The guarded process stays blocked between crash and ack, which is the
// window in which its memory is captured.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
)

// FrameType identifies a protocol message
type FrameType string

const (
	FrameHello  FrameType = "hello"
	FrameAccept FrameType = "accept"
	FrameReject FrameType = "reject"
	FrameCrash  FrameType = "crash"
	FrameAck    FrameType = "ack"
)

// maxFrameSize bounds a single line; crash frames carry a full stack dump
const maxFrameSize = 4 << 20

var (
	ErrRejected       = errors.New("supervisor rejected this instance")
	ErrSupervisorGone = errors.New("supervisor closed the crash channel")
	ErrReadyTimeout   = errors.New("guarded instance did not become ready in time")
	ErrChildExited    = errors.New("guarded instance exited before becoming ready")
	ErrClosed         = errors.New("crash channel listener closed")
	errFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// Frame is one newline-delimited JSON message
type Frame struct {
	Type         FrameType `json:"type"`
	PID          int       `json:"pid,omitempty"`
	Token        string    `json:"token,omitempty"`
	RestartCount uint64    `json:"restart_count,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Stack        string    `json:"stack,omitempty"`
	Time         time.Time `json:"time"`
}

func writeFrame(w io.Writer, f *Frame) error {
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// frameReader keeps partial lines across read deadlines so a frame split by a
// poll timeout is not lost
type frameReader struct {
	r       *bufio.Reader
	pending []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (fr *frameReader) next() (*Frame, error) {
	line, err := fr.r.ReadBytes('\n')
	fr.pending = append(fr.pending, line...)
	if len(fr.pending) > maxFrameSize {
		fr.pending = nil
		return nil, errFrameTooLarge
	}
	if err != nil {
		return nil, err
	}

	data := fr.pending
	fr.pending = nil

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &f, nil
}
