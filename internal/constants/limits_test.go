package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsReserved(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{KeyringStoreKey, true},
		{"keystore.device.master", true},
		{MigrationSessionPrefix + "abc", true},
		{"ratelimit.login.user", true},
		{"audit.x", true},
		{CredentialStoreKey, true},
		{"credential.other", false},
		{"user.token", false},
		{"encryption", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReserved(tt.key), tt.key)
	}
}
