package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	body := APIErrorBody{Name: "ProviderAuthError"}
	body.Data.Message = "missing api key"

	tests := []struct {
		name string
		in   any
		kind Kind
		msg  string
	}{
		{"string", "boom", KindPlain, "boom"},
		{"api body nested", body, KindAPI, "missing api key"},
		{"api body pointer", &APIErrorBody{Message: "bad request"}, KindAPI, "bad request"},
		{"map with data", map[string]any{"data": map[string]any{"message": "nested"}}, KindAPI, "nested"},
		{"map without message", map[string]any{"code": 3}, KindUnknown, "map[code:3]"},
		{"deadline", fmt.Errorf("prompt: %w", context.DeadlineExceeded), KindTimeout, "prompt: context deadline exceeded"},
		{"net op", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindNetwork, "dial tcp: connection refused"},
		{"plain error", errors.New("weird"), KindUnknown, "weird"},
		{"other", 42, KindUnknown, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Normalize(tt.in)
			require.NotNil(t, e)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.msg, e.Error())
		})
	}
}

func TestNormalizeNil(t *testing.T) {
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, "", ErrorText(nil))
}

func TestNormalizeKeepsWrappedError(t *testing.T) {
	orig := &Error{Kind: KindAPI, Message: "session busy", Status: 409}
	wrapped := fmt.Errorf("prompt: %w", orig)

	assert.Same(t, orig, Normalize(wrapped))
	assert.True(t, errors.Is(Normalize(context.Canceled), context.Canceled))
}

func TestErrorCombinesMessageAndDetail(t *testing.T) {
	e := &Error{Kind: KindAPI, Message: "UnknownError", Detail: "model not found"}
	assert.Equal(t, "UnknownError: model not found", e.Error())
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(errors.New("Session not found")))
	assert.True(t, IsTerminal("connection closed by peer"))
	assert.False(t, IsTerminal(errors.New("connection refused")))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(&Error{Kind: KindTimeout}))
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(errors.New("nope")))
	assert.False(t, IsTimeout(nil))
}
