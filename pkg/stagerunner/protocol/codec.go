package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxMessageSize bounds one encoded line, newline excluded.
const MaxMessageSize = 16 * 1024 * 1024

var (
	ErrMessageTooLarge = errors.New("message exceeds size limit")
	ErrNoData          = errors.New("message has no data")
)

// Encoder writes newline-delimited messages and flushes after each one.
// Concurrent calls are serialized.
type Encoder struct {
	mu    sync.Mutex
	bw    *bufio.Writer
	clock func() time.Time
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{bw: bufio.NewWriter(w), clock: time.Now}
}

// Encode wraps data in a timestamped envelope of type t and writes it.
func (e *Encoder) Encode(t MessageType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return err
	}

	env := Message{Type: t, Timestamp: e.clock().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	if len(line) >= MaxMessageSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, t, len(line))
	}
	return e.writeLine(t, line)
}

func (e *Encoder) writeLine(t MessageType, line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.bw.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	if err := e.bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", t, err)
	}
	return nil
}

type checked interface {
	Validate() error
}

// encodeChecked validates p before sending it.
func (e *Encoder) encodeChecked(t MessageType, p checked) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid %s message: %w", t, err)
	}
	return e.Encode(t, p)
}

func (e *Encoder) EncodeReady(ready *ReadyMessage) error { return e.Encode(MessageTypeReady, ready) }

func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	return e.encodeChecked(MessageTypeCommand, cmd)
}

func (e *Encoder) EncodeEvent(event *EventMessage) error {
	return e.encodeChecked(MessageTypeEvent, event)
}

func (e *Encoder) EncodeDone(done *DoneMessage) error { return e.Encode(MessageTypeDone, done) }

func (e *Encoder) EncodeError(msg *ErrorMessage) error { return e.Encode(MessageTypeError, msg) }

func (e *Encoder) EncodeExit(exit *ExitMessage) error { return e.Encode(MessageTypeExit, exit) }

// Decoder reads newline-delimited messages. It is not safe for concurrent use.
type Decoder struct {
	lines *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &Decoder{lines: s}
}

// Decode returns the next envelope, or io.EOF once the stream is exhausted.
// Blank lines and unknown message types are errors.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		return nil, io.EOF
	}

	line := d.lines.Bytes()
	if len(line) == 0 {
		return nil, errors.New("read message: blank line")
	}
	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeCommand reads the next message and requires a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected %s, got %s", MessageTypeCommand, msg.Type)
	}

	cmd := new(CommandMessage)
	if err := ParseData(msg.Data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", MessageTypeCommand, err)
	}
	return cmd, nil
}

// ParseData unmarshals a message payload into target.
func ParseData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return ErrNoData
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
