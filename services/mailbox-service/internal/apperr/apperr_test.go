package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Auth("refresh", "reconnect required", errors.New("invalid_grant"))
	wrapped := fmt.Errorf("syncing mailbox: %w", base)

	assert.True(t, IsAuth(wrapped))
	assert.False(t, IsProvider(wrapped))
	assert.Equal(t, "reconnect required", Message(wrapped))
	assert.Equal(t, "refresh: reconnect required: invalid_grant", base.Error())
	assert.ErrorIs(t, wrapped, base)
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindStateToken, http.StatusBadRequest},
		{KindAuth, http.StatusConflict},
		{KindNotFound, http.StatusNotFound},
		{KindProvider, http.StatusBadGateway},
		{KindConfiguration, http.StatusInternalServerError},
		{KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
