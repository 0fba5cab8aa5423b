package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantID(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrTenantIDNotFound)

	_, err = FromContext(WithTenantID(context.Background(), ""))
	assert.ErrorIs(t, err, ErrTenantIDNotFound)

	id, err := FromContext(WithTenantID(context.Background(), "42"))
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithRequestID(WithTenantID(context.Background(), "42"), "req-1"))
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	id, err := FromContext(detached)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	requestID, err := FromRequestIDContext(detached)
	require.NoError(t, err)
	assert.Equal(t, "req-1", requestID)

	bare := Detach(context.Background())
	_, err = FromRequestIDContext(bare)
	assert.ErrorIs(t, err, ErrNoRequestIDInContext)
}
