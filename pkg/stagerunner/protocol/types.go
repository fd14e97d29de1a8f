// Package protocol defines the JSON-over-stdio protocol spoken between the
// engine and the stage-runner child process.
//
// The child announces itself with READY, then receives CMD messages, one per
// stage invocation. While a command runs the child may emit EVENT messages;
// each command ends with exactly one DONE or ERROR. EXIT is sent before the
// child terminates.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// Version is announced in READY; the engine refuses a runner with another major version.
const Version = "1.0.0"

// Compatible reports whether a peer announcing version v shares this major version.
func Compatible(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	mine, _, _ := strings.Cut(Version, ".")
	return major != "" && major == mine
}

type MessageType string

const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

var messageTypes = map[MessageType]bool{
	MessageTypeReady:   true,
	MessageTypeCommand: true,
	MessageTypeEvent:   true,
	MessageTypeDone:    true,
	MessageTypeError:   true,
	MessageTypeExit:    true,
}

// Validate rejects message types outside the protocol.
func (mt MessageType) Validate() error {
	if !messageTypes[mt] {
		return fmt.Errorf("unknown message type %q", string(mt))
	}
	return nil
}

// Message is the envelope of every line on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var payloads = validator.New()

// ReadyMessage is the first line the runner writes.
type ReadyMessage struct {
	Version    string   `json:"version"`
	Platform   string   `json:"platform"`
	Arch       string   `json:"arch"`
	PID        int      `json:"pid"`
	StageTypes []string `json:"stage_types"`
}

// CommandMessage asks the runner to execute one stage against a context snapshot.
type CommandMessage struct {
	ID         string                 `json:"id" validate:"required"`
	Stage      string                 `json:"stage" validate:"required"`
	Descriptor engine.StageDescriptor `json:"descriptor" validate:"-"`
	Snapshot   engine.Snapshot        `json:"snapshot" validate:"-"`
	TimeoutMS  int64                  `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// Timeout returns the command timeout; zero means none.
func (cmd *CommandMessage) Timeout() time.Duration {
	return time.Duration(cmd.TimeoutMS) * time.Millisecond
}

func (cmd *CommandMessage) Validate() error {
	if err := payloads.Struct(cmd); err != nil {
		return describePayload(err)
	}
	if cmd.Descriptor.Type == "" {
		return errors.New("descriptor.type is required")
	}
	return nil
}

// EventMessage reports progress of a running command.
type EventMessage struct {
	CommandID string            `json:"command_id" validate:"required"`
	Level     string            `json:"level" validate:"oneof=debug info warn error"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate defaults an empty level to info.
func (evt *EventMessage) Validate() error {
	if evt.Level == "" {
		evt.Level = "info"
	}
	if err := payloads.Struct(evt); err != nil {
		return describePayload(err)
	}
	return nil
}

// DoneMessage ends a successful command with what the stage added to the context.
type DoneMessage struct {
	CommandID string         `json:"command_id"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Duration  float64        `json:"duration"` // seconds
}

func (d *DoneMessage) Delta() engine.Delta {
	return engine.Delta{Outputs: d.Outputs, Metadata: d.Metadata}
}

// ErrorMessage ends a failed command. Code carries the engine error kind.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorFromEngine flattens err for the wire, keeping its kind and permanence.
func ErrorFromEngine(commandID string, err error) *ErrorMessage {
	out := &ErrorMessage{
		CommandID: commandID,
		Code:      string(engine.KindOf(err)),
		Message:   err.Error(),
		Retryable: !engine.IsPermanent(err),
	}
	var e *engine.Error
	if errors.As(err, &e) && e.Message != "" {
		out.Message = e.Message
		if e.Err != nil {
			out.Message += ": " + e.Err.Error()
		}
	}
	return out
}

// Err rebuilds the engine error; unknown codes become ExecutionFailed.
func (e *ErrorMessage) Err() *engine.Error {
	kind := engine.ErrorKind(e.Code)
	if kind.Validate() != nil {
		kind = engine.KindExecutionFailed
	}
	out := engine.NewError(kind, e.Message, nil)
	out.Permanent = !e.Retryable
	return out
}

// ExitMessage is the last line the runner writes.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

func describePayload(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "oneof":
		return fmt.Errorf("invalid %s %q", fe.Field(), fe.Value())
	default:
		return fmt.Errorf("%s must be %s %s", fe.Field(), fe.Tag(), fe.Param())
	}
}
