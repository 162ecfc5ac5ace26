package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateChannelID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"general", false},
		{"team-42.voice:main", false},
		{"A_b", false},
		{"", true},
		{"-leading", true},
		{"has space", true},
		{"slash/y", true},
		{strings.Repeat("a", MaxChannelIDLength), false},
		{strings.Repeat("a", MaxChannelIDLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateChannelID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	assert.NoError(t, ValidateToken("abc.def.ghi"))
	assert.Error(t, ValidateToken(""))
	assert.Error(t, ValidateToken(strings.Repeat("x", MaxTokenLength+1)))
	assert.Error(t, ValidateToken("\xff\xfe"))
}
