package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	assert.NotEqual(t, id1, id2)
	require.True(t, strings.HasPrefix(id1, "test_"))
	_, err := uuid.Parse(strings.TrimPrefix(id1, "test_"))
	assert.NoError(t, err)
}

func TestPrefixedIDs(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateSessionID(), "sess_"))
	assert.True(t, strings.HasPrefix(GenerateShareID(), "share_"))
	assert.True(t, strings.HasPrefix(GenerateRequestRef(), "req_"))

	_, err := uuid.Parse(GenerateRequestID())
	assert.NoError(t, err)
}
