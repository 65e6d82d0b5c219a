package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Compiles(t *testing.T) {
	m, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "v1", m.Version)
	assert.NotEmpty(t, m.Precache)
	assert.Contains(t, m.Precache, "/offline.html")
	assert.Equal(t, 4*time.Second, m.NetworkTimeout)
	assert.Equal(t, time.Hour, m.UpdateCheck)
	assert.Equal(t, 3, m.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, m.Retry.BaseDelay)
	assert.Equal(t, 5*time.Minute, m.Retry.MaxDelay)
}
