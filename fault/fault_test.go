package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryability(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindRateLimited, true},
		{KindTimeout, true},
		{KindNetwork, true},
		{KindServer, true},
		{KindValidation, false},
		{KindAuth, false},
		{KindNotFound, false},
		{KindDeadlock, false},
		{KindCancelled, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.retryable, New(tc.kind, "x").Retryable)
		})
	}
}

func TestWrapPreservesChain(t *testing.T) {
	root := errors.New("connection refused")
	err := Wrap(KindNetwork, root, "dial upstream")
	require.ErrorIs(t, err, root)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("await input: %w", context.Canceled)))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("call upstream: %w", context.DeadlineExceeded)))

	// an explicit classification wins over the wrapped context error
	wrapped := Wrap(KindNetwork, context.DeadlineExceeded, "dial upstream")
	assert.Equal(t, KindNetwork, KindOf(wrapped))
}

func TestAsErrorIdempotent(t *testing.T) {
	orig := Permanent(KindValidation, "bad input")
	same := AsError(fmt.Errorf("node failed: %w", orig))
	assert.Same(t, orig, same)

	converted := AsError(errors.New("boom"))
	assert.Equal(t, KindUnknown, converted.Kind)
	assert.Equal(t, "boom", converted.Message)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindAuth))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindRateLimited))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindServer))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindUnknown))
}
