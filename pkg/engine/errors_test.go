package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := NewExecutionError("solve failed", errors.New("singular matrix")).
		WithStage("calibrate").
		WithOperation("execute")

	assert.Equal(t, "[ExecutionFailed] solve failed: singular matrix (stage=calibrate, operation=execute)", err.Error())
	assert.Equal(t, "[Timeout] slow", NewTimeoutError("slow", nil).Error())
}

func TestError_IsAndAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewCircuitOpenError("casa", nil))

	assert.True(t, errors.Is(err, &Error{Kind: KindCircuitOpen}))
	assert.True(t, errors.Is(err, &Error{Kind: KindCircuitOpen, Code: ErrCodeCircuitOpen}))
	assert.False(t, errors.Is(err, &Error{Kind: KindCircuitOpen, Code: ErrCodeTimeout}))
	assert.False(t, errors.Is(err, &Error{Kind: KindTimeout}))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "casa", e.Details["resource"])
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindExecutionFailed, KindOf(errors.New("x")))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("stop: %w", context.Canceled)))
	assert.Equal(t, KindPostconditionFailed, KindOf(NewPostconditionError("no output")))
	assert.True(t, IsKind(NewValidationError("x"), KindValidationFailed))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := NewTimeoutError("slow", nil)
	p := Permanent(base)
	assert.True(t, IsPermanent(p))
	assert.Equal(t, KindTimeout, KindOf(p))
	assert.False(t, base.Permanent, "original error must not be modified")

	plain := Permanent(errors.New("bad header"))
	assert.True(t, IsPermanent(plain))
	assert.Equal(t, KindExecutionFailed, KindOf(plain))
}

func TestClassify(t *testing.T) {
	e := classify(context.DeadlineExceeded, "image", "execute")
	assert.Equal(t, KindTimeout, e.Kind)
	assert.Equal(t, ErrCodeTimeout, e.Code)
	assert.Equal(t, "image", e.Stage)

	orig := NewPostconditionError("missing")
	e = classify(orig, "image", "validate_outputs")
	assert.Equal(t, "image", e.Stage)
	assert.Empty(t, orig.Stage)
}
