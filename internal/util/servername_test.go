package util

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeServerName(t *testing.T) {
	assert.Equal(t, spec.ServerName("example.org"), NormalizeServerName(" Example.ORG "))
}

func TestIsLocalUser(t *testing.T) {
	tests := []struct {
		userID string
		want   bool
	}{
		{userID: "@alice:example.org", want: true},
		{userID: "@alice:EXAMPLE.org", want: true},
		{userID: "@bob:remote.org", want: false},
		{userID: "not-a-user-id", want: false},
		{userID: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLocalUser(tt.userID, "example.org"))
		})
	}
}
