package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageFormat(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Joined("alice"), "User alice joined"},
		{Left("alice"), "User alice left"},
		{Chat("alice", "hi there"), "alice: hi there"},
		{ShutdownNotice(), "server-shutdown"},
	}

	for _, tt := range tests {
		t.Run(tt.msg.Kind.String(), func(t *testing.T) {
			require.Equal(t, tt.want, tt.msg.Format())
		})
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	require.True(t, IsExpectedCloseError(nil))
	require.True(t, IsExpectedCloseError(ErrPeerClosed))
	require.False(t, IsExpectedCloseError(ErrNameTaken))
}
