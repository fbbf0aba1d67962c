package coord

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	tok := NewToken()
	require.NotContains(t, string(tok), tokenSeparator)

	tests := []struct {
		name      string
		input     string
		token     Token
		id        string
		protected bool
	}{
		{"protected", ProtectedName(tok, "alice"), tok, "alice", true},
		{"id with separator", ProtectedName(tok, "bob-the-builder"), tok, "bob-the-builder", true},
		{"short token", "_c_abc-carol", "abc", "carol", true},
		{"long token", "_c_" + strings.Repeat("f", 64) + "-dave", Token(strings.Repeat("f", 64)), "dave", true},
		{"dashed uuid token", "_c_0f8fad5b-d9cb-469f-a165-70867728950e-chat", "0f8fad5b-d9cb-469f-a165-70867728950e", "chat", true},
		{"dashed uuid token, dashed id", "_c_0f8fad5b-d9cb-469f-a165-70867728950e-chat-room", "0f8fad5b-d9cb-469f-a165-70867728950e", "chat-room", true},
		{"plain", "erin", "", "erin", false},
		{"marker without separator", "_c_nothing", "", "_c_nothing", false},
		{"empty token", "_c_-frank", "", "_c_-frank", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, id, protected := ParseName(tt.input)
			assert.Equal(t, tt.token, token)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.protected, protected)
			assert.Equal(t, tt.id, IDFromName(tt.input))
		})
	}
}

func TestHasToken(t *testing.T) {
	a, b := NewToken(), NewToken()
	assert.NotEqual(t, a, b)
	assert.True(t, HasToken(ProtectedName(a, "x"), a))
	assert.False(t, HasToken(ProtectedName(a, "x"), b))
	assert.False(t, HasToken("x", a))
}

func TestValidatePath(t *testing.T) {
	for _, ok := range []string{"/groups", "/groups/chat", "/a/b/c"} {
		assert.NoError(t, ValidatePath(ok), ok)
	}
	for _, bad := range []string{"", "groups", "/", "/groups/", "/a//b", "/a/../b"} {
		assert.ErrorIs(t, ValidatePath(bad), ErrMalformed, bad)
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("chat"))
	assert.NoError(t, ValidateName("with-dash"))
	for _, bad := range []string{"", "a/b", ".", "..", "line\nbreak"} {
		assert.ErrorIs(t, ValidateName(bad), ErrMalformed, bad)
	}
}

func TestJoinParentBase(t *testing.T) {
	p := Join("/groups", "chat", "alice")
	assert.Equal(t, "/groups/chat/alice", p)
	assert.Equal(t, "/groups/chat", Parent(p))
	assert.Equal(t, "alice", Base(p))
}
