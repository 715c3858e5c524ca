package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformcfg "secure-storage/internal/platform/config"
	"secure-storage/internal/security/jwt"
)

func TestFromPlatformDefaults(t *testing.T) {
	c, err := FromPlatform(platformcfg.Default())
	require.NoError(t, err)

	assert.Equal(t, "device.master", c.DeviceKeyID)
	assert.Equal(t, 5, c.RateLimit.MaxAttempts)
	assert.Equal(t, 15*time.Minute, c.RateLimit.TimeWindow)
	assert.Equal(t, 5, c.Rotation.KeepOldKeys)
	assert.Equal(t, []string{jwt.HS256}, c.JWT.AllowedAlgorithms)
	assert.Equal(t, AuditSinkMemory, c.AuditSink)
	assert.Equal(t, 5*time.Minute, c.RefreshWindow)
	assert.False(t, c.JWTEnabled)
}

func TestFromPlatformJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes, err := EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	cfg := platformcfg.Default()
	cfg.Security.JWT.Enabled = true
	cfg.Security.JWT.Issuer = "issuer"
	cfg.Security.JWT.Audience = "app"
	cfg.Security.JWT.AllowedAlgorithms = []string{jwt.RS256}
	cfg.Security.JWT.Secret = "s3cret"
	cfg.Security.JWT.PublicKeyFile = path

	c, err := FromPlatform(cfg)
	require.NoError(t, err)
	assert.True(t, c.JWTEnabled)
	assert.Equal(t, []byte("s3cret"), c.JWT.HMACSecret)
	pub, ok := c.JWT.PublicKey.(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = jwt.NewValidator(c.JWT)
	assert.NoError(t, err)
}

func TestFromPlatformErrors(t *testing.T) {
	cfg := platformcfg.Default()
	cfg.Security.Audit.Sink = "kafka"
	_, err := FromPlatform(cfg)
	assert.Error(t, err)

	cfg = platformcfg.Default()
	cfg.Security.Audit.Sink = AuditSinkFile
	_, err = FromPlatform(cfg)
	assert.Error(t, err)

	cfg = platformcfg.Default()
	cfg.Security.JWT.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = FromPlatform(cfg)
	assert.Error(t, err)

	_, err = FromPlatform(nil)
	assert.Error(t, err)
}

func TestParsePublicKeyPEM(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemBytes, err := EncodePublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	pub, err := ParsePublicKeyPEM(pemBytes)
	require.NoError(t, err)
	_, ok := pub.(*ecdsa.PublicKey)
	assert.True(t, ok)

	_, rsaPub, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)
	pemBytes, err = EncodePublicKey(rsaPub)
	require.NoError(t, err)
	pub, err = ParsePublicKeyPEM(pemBytes)
	require.NoError(t, err)
	_, ok = pub.(*rsa.PublicKey)
	assert.True(t, ok)

	_, err = ParsePublicKeyPEM([]byte("not a key"))
	assert.Error(t, err)
}
