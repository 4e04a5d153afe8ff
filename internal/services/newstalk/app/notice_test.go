package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerFullNotice(t *testing.T) {
	n, err := newNotices()
	require.NoError(t, err)

	tests := []struct {
		name           string
		acceptLanguage string
		capacity       int
		want           string
	}{
		{name: "default", capacity: 20, want: "The chat is limited to 20 users at a time. Please try again later."},
		{name: "singular", acceptLanguage: "en-US", capacity: 1, want: "The chat is limited to 1 user at a time. Please try again later."},
		{name: "korean", acceptLanguage: "ko-KR,ko;q=0.9", capacity: 20, want: "동시 접속자 수인 20명을 초과되었습니다. 나중에 다시 시도해주세요."},
		{name: "unsupported falls back", acceptLanguage: "fr-FR", capacity: 20, want: "The chat is limited to 20 users at a time. Please try again later."},
		{name: "malformed header", acceptLanguage: ";;;", capacity: 3, want: "The chat is limited to 3 users at a time. Please try again later."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.serverFull(tt.acceptLanguage, tt.capacity))
		})
	}
}
