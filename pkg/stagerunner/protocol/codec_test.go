package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

func TestSessionTranscript(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(&wire)
	enc.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("MST", -7*3600)) }

	require.NoError(t, enc.EncodeReady(&ReadyMessage{Version: Version, Platform: "linux", Arch: "amd64", PID: 42, StageTypes: []string{"command"}}))
	require.NoError(t, enc.EncodeCommand(&CommandMessage{
		ID:         "cmd-1",
		Stage:      "image",
		Descriptor: engine.StageDescriptor{Type: "command"},
		TimeoutMS:  30000,
	}))
	require.NoError(t, enc.EncodeEvent(&EventMessage{CommandID: "cmd-1", Message: "gridding visibilities"}))
	require.NoError(t, enc.EncodeDone(&DoneMessage{CommandID: "cmd-1", Outputs: map[string]any{"image_path": "/data/img.fits"}, Duration: 1.5}))
	require.NoError(t, enc.EncodeExit(&ExitMessage{Reason: "stdin_closed", CommandsTotal: 1}))

	dec := NewDecoder(&wire)

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeReady, msg.Type)
	assert.Equal(t, time.UTC, msg.Timestamp.Location())
	assert.Equal(t, 19, msg.Timestamp.Hour())
	var ready ReadyMessage
	require.NoError(t, ParseData(msg.Data, &ready))
	assert.Equal(t, []string{"command"}, ready.StageTypes)

	cmd, err := dec.DecodeCommand()
	require.NoError(t, err)
	assert.Equal(t, "image", cmd.Stage)
	assert.Equal(t, 30*time.Second, cmd.Timeout())

	msg, err = dec.Decode()
	require.NoError(t, err)
	var evt EventMessage
	require.NoError(t, ParseData(msg.Data, &evt))
	assert.Equal(t, "info", evt.Level, "empty level defaults to info")

	msg, err = dec.Decode()
	require.NoError(t, err)
	var done DoneMessage
	require.NoError(t, ParseData(msg.Data, &done))
	assert.Equal(t, "/data/img.fits", done.Delta().Outputs["image_path"])

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeExit, msg.Type)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeRejects(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	assert.Error(t, enc.Encode(MessageType("PING"), nil))
	assert.Error(t, enc.EncodeCommand(&CommandMessage{Stage: "image", Descriptor: engine.StageDescriptor{Type: "command"}}))
	assert.Error(t, enc.EncodeEvent(&EventMessage{CommandID: "cmd-1", Level: "trace"}))
	assert.ErrorIs(t, enc.Encode(MessageTypeEvent, strings.Repeat("x", MaxMessageSize)), ErrMessageTooLarge)
	assert.Zero(t, buf.Len(), "rejected messages are not written")
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{invalid json`,
		"unknown type": `{"type":"PING","timestamp":"2024-01-01T00:00:00Z"}`,
		"blank line":   ``,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(line + "\n")).Decode()
			require.Error(t, err)
			assert.NotErrorIs(t, err, io.EOF)
		})
	}
}

func TestDecodeCommandValidation(t *testing.T) {
	cases := map[string]string{
		"wrong type":         `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
		"missing id":         `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"stage":"image","descriptor":{"type":"command"}}}`,
		"missing descriptor": `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-1","stage":"image","descriptor":{}}}`,
		"negative timeout":   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-1","stage":"image","descriptor":{"type":"command"},"timeout_ms":-1}}`,
		"no data":            `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(line + "\n")).DecodeCommand()
			assert.Error(t, err)
		})
	}

	cmd, err := NewDecoder(strings.NewReader(
		`{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","stage":"image","descriptor":{"type":"command","params":{"program":"wsclean"}},"snapshot":{"inputs":{"ms":"a.ms"}},"timeout_ms":30000}}` + "\n",
	)).DecodeCommand()
	require.NoError(t, err)
	assert.Equal(t, "cmd-123", cmd.ID)
	assert.Equal(t, "a.ms", cmd.Snapshot.Inputs["ms"])
}

func TestEncoderSerializesWriters(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.EncodeEvent(&EventMessage{CommandID: "cmd-1", Message: "tick"})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err, "interleaved output")
		assert.Equal(t, MessageTypeEvent, msg.Type)
		count++
	}
	assert.Equal(t, 20, count)
}

func TestErrorMessageKeepsClassification(t *testing.T) {
	timeout := ErrorFromEngine("cmd-1", engine.NewTimeoutError("stage timed out", nil)).Err()
	assert.Equal(t, engine.KindTimeout, timeout.Kind)
	assert.False(t, timeout.Permanent)

	permanent := ErrorFromEngine("cmd-1", engine.Permanent(errors.New("bad input"))).Err()
	assert.Equal(t, engine.KindExecutionFailed, permanent.Kind)
	assert.True(t, permanent.Permanent)

	plain := ErrorFromEngine("cmd-1", errors.New("exit status 1"))
	assert.Equal(t, "exit status 1", plain.Message)
	assert.Equal(t, engine.KindExecutionFailed, plain.Err().Kind)

	unknown := (&ErrorMessage{Code: "Weird", Message: "x", Retryable: true}).Err()
	assert.Equal(t, engine.KindExecutionFailed, unknown.Kind)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(Version))
	assert.True(t, Compatible("1.4.2"))
	assert.False(t, Compatible("2.0.0"))
	assert.False(t, Compatible(""))
}
