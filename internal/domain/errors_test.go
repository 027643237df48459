package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrToolNotFound, "tool 'foo'")
	want := "Registry.Get: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("SessionManager.RunAgent", ErrInvalidInput, "")
	want := "SessionManager.RunAgent: invalid input"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Boundary.Run", ErrStreamIdle, "30s")
	if !errors.Is(err, ErrStreamIdle) {
		t.Error("errors.Is should match ErrStreamIdle")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrAgentNotFound, "groq")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Registry.Get" {
		t.Errorf("Op = %q, want %q", de.Op, "Registry.Get")
	}
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("op", ErrTransport)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "op: transport failure", err.Error())
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeRunAborted, ErrorCodeOf(ErrRunAborted))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrToolNotFound, "tool 'foo'")
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(err))
	assert.Equal(t, CodeToolNotFound, err.Code())
}

func TestErrorCodeOf_PrefersSpecificSentinel(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w: API error 429", ErrTransport, ErrRateLimit)
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(wrapped))

	plain := fmt.Errorf("read body: %w", ErrTransport)
	assert.Equal(t, CodeTransport, ErrorCodeOf(plain))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestEverySentinelHasPriority(t *testing.T) {
	for sentinel := range errorCodeMap {
		found := false
		for _, p := range codePriority {
			if p == sentinel {
				found = true
				break
			}
		}
		assert.True(t, found, "sentinel %q missing from codePriority", sentinel)
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrRateLimit)))
	assert.True(t, IsRetryableError(ErrProviderError))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}
