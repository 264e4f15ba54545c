package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "how do I add auth?", false},
		{"unicode", "héllo 世界", false},
		{"empty", "", true},
		{"whitespace only", "  \n\t ", true},
		{"at char limit", strings.Repeat("a", MaxTextChars), false},
		{"over char limit", strings.Repeat("a", MaxTextChars+1), true},
		{"over byte limit", strings.Repeat("世", MaxMessageBytes/3+1), true},
		{"invalid utf8", "bad \xff byte", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMessage_EmptySentinel(t *testing.T) {
	assert.ErrorIs(t, ValidateMessage(" "), ErrEmptyMessage)
}
