package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsSentinel(t *testing.T) {
	err := Wrapf(ErrConflict, "record %s", "cache:ab12")
	err = Wrap(err, "finalize")

	assert.Equal(t, "finalize: record cache:ab12: resource conflict", err.Error())
	assert.True(t, Is(err, ErrConflict))
	assert.False(t, Is(err, ErrNotFound))
	assert.False(t, Is(nil, ErrConflict))
}

type fetchError struct {
	status int
}

func (e *fetchError) Error() string { return fmt.Sprintf("HTTP %d", e.status) }

func TestAsThroughWrap(t *testing.T) {
	err := Wrap(&fetchError{status: 502}, "httpjson")

	var target *fetchError
	require.True(t, As(err, &target))
	assert.Equal(t, 502, target.status)
}

func TestHintsAndDetails(t *testing.T) {
	err := New("pulse.workers is 0")
	err = WithHint(err, "pass --workers")
	err = WithDetail(err, "config: ./am.toml")
	err = Wrap(err, "pulse start")

	assert.Equal(t, []string{"pass --workers"}, GetAllHints(err))
	assert.Equal(t, []string{"config: ./am.toml"}, GetAllDetails(err))
	assert.Contains(t, FlattenHints(err), "pass --workers")
}

func TestStackTrace(t *testing.T) {
	detailed := fmt.Sprintf("%+v", New("with stack"))
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.Nil(t, CombineErrors(nil, nil))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsPermissionDenied(nil))
}

func TestCombineErrors(t *testing.T) {
	first := New("close redis")
	second := Wrap(ErrNotFound, "close sqlite")

	err := CombineErrors(first, second)
	assert.True(t, Is(err, first))
	assert.Equal(t, first, CombineErrors(first, nil))
}

func TestTaxonomyConstructors(t *testing.T) {
	t.Run("permission denied carries a hint", func(t *testing.T) {
		err := NewPermissionDeniedError("abc")
		assert.True(t, IsPermissionDenied(err))
		assert.Contains(t, err.Error(), "abc")
		assert.NotEmpty(t, GetAllHints(err))
	})

	t.Run("job failed keeps the job error text", func(t *testing.T) {
		err := NewJobFailedError("abc", "upstream returned 503")
		assert.True(t, Is(err, ErrJobFailed))
		assert.Contains(t, err.Error(), "upstream returned 503")
	})

	t.Run("inconsistent state surfaces as not found", func(t *testing.T) {
		err := NewInconsistentStateError("content %s missing", "h1")
		assert.True(t, IsNotFoundError(err))
		assert.True(t, Is(err, ErrInconsistentState))
		assert.False(t, IsNotFoundError(NewNotReadyError("abc", "SUBMITTED")))
	})

	t.Run("invalid descriptor wraps the cause", func(t *testing.T) {
		err := NewInvalidDescriptorError(New("unexpected end of JSON input"))
		assert.True(t, Is(err, ErrInvalidDescriptor))
		assert.Contains(t, err.Error(), "unexpected end of JSON input")
	})
}

func ExampleNew() {
	err := New("something went wrong")
	fmt.Println(err)
	// Output: something went wrong
}

func ExampleNewNotReadyError() {
	err := NewNotReadyError("k1", "SUBMITTED")
	fmt.Println(err)
	// Output: key k1 is SUBMITTED: not ready
}
