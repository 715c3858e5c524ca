package jwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-storage/internal/errkind"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "secure-storage-app"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	testNow    = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func validClaims() jwtlib.RegisteredClaims {
	return jwtlib.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "user-42",
		Audience:  jwtlib.ClaimStrings{testAudience},
		ExpiresAt: jwtlib.NewNumericDate(testNow.Add(time.Hour)),
		IssuedAt:  jwtlib.NewNumericDate(testNow.Add(-time.Minute)),
		ID:        "jti-1",
	}
}

func newHSValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(Config{
		Issuer:            testIssuer,
		Audience:          testAudience,
		AllowedAlgorithms: []string{HS256},
		HMACSecret:        testSecret,
		Clock:             func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return v
}

func signHS(t *testing.T, claims jwtlib.Claims) string {
	t.Helper()
	s, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func segment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestValidateHS256(t *testing.T) {
	v := newHSValidator(t)
	tok, err := v.Validate(signHS(t, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-42", tok.Subject())
	assert.Equal(t, HS256, tok.Header.Alg)
	assert.True(t, tok.ExpiresAt().Equal(testNow.Add(time.Hour)))
}

func TestValidateAsymmetric(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name   string
		alg    string
		method jwtlib.SigningMethod
		priv   interface{}
		pub    interface{}
	}{
		{"RS256", RS256, jwtlib.SigningMethodRS256, rsaKey, &rsaKey.PublicKey},
		{"ES256", ES256, jwtlib.SigningMethodES256, ecKey, &ecKey.PublicKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(Config{
				Issuer:            testIssuer,
				Audience:          testAudience,
				AllowedAlgorithms: []string{tt.alg},
				PublicKey:         tt.pub,
				Clock:             func() time.Time { return testNow },
			})
			require.NoError(t, err)

			signed, err := jwtlib.NewWithClaims(tt.method, validClaims()).SignedString(tt.priv)
			require.NoError(t, err)
			_, err = v.Validate(signed)
			require.NoError(t, err)

			// HS256 以公鑰當密鑰的演算法混淆攻擊
			forged := signHS(t, validClaims())
			_, err = v.Validate(forged)
			var unsupported *UnsupportedAlgorithmError
			require.True(t, errors.As(err, &unsupported))
			assert.Equal(t, HS256, unsupported.Name)
		})
	}
}

func TestAlgNoneRejected(t *testing.T) {
	v := newHSValidator(t)

	none, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, validClaims()).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Validate(none)
	assert.Error(t, err)

	// 帶假簽章的 none
	parts := strings.Split(none, ".")
	forged := parts[0] + "." + parts[1] + "." + segment("sig")
	_, err = v.Validate(forged)
	var unsupported *UnsupportedAlgorithmError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "none", unsupported.Name)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = NewValidator(Config{Issuer: testIssuer, Audience: testAudience, AllowedAlgorithms: []string{"none"}})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestFormatErrors(t *testing.T) {
	v := newHSValidator(t)
	good := signHS(t, validClaims())
	parts := strings.Split(good, ".")

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrInvalidFormat},
		{"two segments", parts[0] + "." + parts[1], ErrInvalidFormat},
		{"four segments", good + ".x", ErrInvalidFormat},
		{"empty segment", parts[0] + ".." + parts[2], ErrInvalidFormat},
		{"oversized", strings.Repeat("a", MaxTokenSize+1), ErrInvalidFormat},
		{"header not base64", "!!!." + parts[1] + "." + parts[2], ErrInvalidHeader},
		{"header not json", segment("nope") + "." + parts[1] + "." + parts[2], ErrInvalidHeader},
		{"header missing alg", segment(`{"typ":"JWT"}`) + "." + parts[1] + "." + parts[2], ErrInvalidHeader},
		{"header wrong typ", segment(`{"alg":"HS256","typ":"JWE"}`) + "." + parts[1] + "." + parts[2], ErrInvalidHeader},
		{"payload not json", parts[0] + "." + segment("{") + "." + parts[2], ErrInvalidPayload},
		{"payload bad exp", parts[0] + "." + segment(`{"exp":"soon"}`) + "." + parts[2], ErrInvalidPayload},
		{"signature not base64", parts[0] + "." + parts[1] + ".***", ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decode(tt.token)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, errkind.Format, errkind.Of(err))
		})
	}
}

func TestRequiredClaims(t *testing.T) {
	v := newHSValidator(t)

	noExp := validClaims()
	noExp.ExpiresAt = nil
	_, err := v.Validate(signHS(t, noExp))
	assert.ErrorIs(t, err, ErrMissingExpiration)

	for name, mutate := range map[string]func(*jwtlib.RegisteredClaims){
		"iss": func(c *jwtlib.RegisteredClaims) { c.Issuer = "" },
		"aud": func(c *jwtlib.RegisteredClaims) { c.Audience = nil },
		"iat": func(c *jwtlib.RegisteredClaims) { c.IssuedAt = nil },
	} {
		c := validClaims()
		mutate(&c)
		_, err := v.Decode(signHS(t, c))
		assert.ErrorIs(t, err, ErrInvalidPayload, name)
	}
}

func TestClaimChecks(t *testing.T) {
	v := newHSValidator(t)

	expired := validClaims()
	expired.ExpiresAt = jwtlib.NewNumericDate(testNow.Add(-time.Second))
	_, err := v.Validate(signHS(t, expired))
	assert.ErrorIs(t, err, ErrTokenExpired)

	future := validClaims()
	future.NotBefore = jwtlib.NewNumericDate(testNow.Add(time.Minute))
	_, err = v.Validate(signHS(t, future))
	assert.ErrorIs(t, err, ErrTokenNotYetValid)

	wrongIss := validClaims()
	wrongIss.Issuer = "https://evil.example.com"
	_, err = v.Validate(signHS(t, wrongIss))
	var issErr *InvalidIssuerError
	require.True(t, errors.As(err, &issErr))
	assert.Equal(t, testIssuer, issErr.Expected)
	assert.Equal(t, "https://evil.example.com", issErr.Actual)

	wrongAud := validClaims()
	wrongAud.Audience = jwtlib.ClaimStrings{"other-app", "third-app"}
	_, err = v.Validate(signHS(t, wrongAud))
	var audErr *InvalidAudienceError
	require.True(t, errors.As(err, &audErr))
	assert.Equal(t, []string{"other-app", "third-app"}, audErr.Actual)

	multi := validClaims()
	multi.Audience = jwtlib.ClaimStrings{"other-app", testAudience}
	_, err = v.Validate(signHS(t, multi))
	assert.NoError(t, err)
}

func TestStringAudience(t *testing.T) {
	v := newHSValidator(t)
	claims := validClaims()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"iss": claims.Issuer,
		"aud": testAudience,
		"exp": claims.ExpiresAt.Unix(),
		"iat": claims.IssuedAt.Unix(),
	})
	tok.Header["typ"] = "jwt"
	signed, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	_, err = v.Validate(signed)
	assert.NoError(t, err)
}

func TestExpiredWinsOverBadSignature(t *testing.T) {
	v := newHSValidator(t)
	expired := validClaims()
	expired.ExpiresAt = jwtlib.NewNumericDate(testNow.Add(-time.Hour))
	signed := signHS(t, expired)
	parts := strings.Split(signed, ".")
	badSig := parts[0] + "." + parts[1] + "." + segment("definitely-not-the-signature")

	_, err := v.Validate(badSig)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.NotErrorIs(t, err, ErrInvalidSignature)
}

func TestTamperedPayloadFailsSignature(t *testing.T) {
	v := newHSValidator(t)
	signed := signHS(t, validClaims())
	parts := strings.Split(signed, ".")

	tampered := validClaims()
	tampered.Subject = "admin"
	forgedPayload := strings.Split(signHS(t, tampered), ".")[1]

	_, err := v.Validate(parts[0] + "." + forgedPayload + "." + parts[2])
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, errkind.Integrity, errkind.Of(err))

	// 翻轉簽章中的任一位元
	sig, _ := base64.RawURLEncoding.DecodeString(parts[2])
	for i := range sig {
		flipped := append([]byte(nil), sig...)
		flipped[i] ^= 0x80
		_, err := v.Validate(parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(flipped))
		require.ErrorIs(t, err, ErrInvalidSignature, "byte %d", i)
	}
}

func TestSignatureWithWrongSecret(t *testing.T) {
	v := newHSValidator(t)
	other, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, validClaims()).
		SignedString([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	_, err = v.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeDoesNotVerifySignature(t *testing.T) {
	v := newHSValidator(t)
	signed := signHS(t, validClaims())
	parts := strings.Split(signed, ".")
	tok, err := v.Decode(parts[0] + "." + parts[1] + "." + segment("junk"))
	require.NoError(t, err)
	assert.Equal(t, "jti-1", tok.Claims.ID)
}

func TestLeeway(t *testing.T) {
	v, err := NewValidator(Config{
		Issuer:            testIssuer,
		Audience:          testAudience,
		AllowedAlgorithms: []string{HS256},
		HMACSecret:        testSecret,
		Leeway:            30 * time.Second,
		Clock:             func() time.Time { return testNow },
	})
	require.NoError(t, err)

	c := validClaims()
	c.ExpiresAt = jwtlib.NewNumericDate(testNow.Add(-10 * time.Second))
	c.NotBefore = jwtlib.NewNumericDate(testNow.Add(10 * time.Second))
	_, err = v.Validate(signHS(t, c))
	assert.NoError(t, err)
}

func TestConfigValidation(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no issuer", Config{Audience: testAudience, AllowedAlgorithms: []string{HS256}, HMACSecret: testSecret}},
		{"no algorithms", Config{Issuer: testIssuer, Audience: testAudience}},
		{"short secret", Config{Issuer: testIssuer, Audience: testAudience, AllowedAlgorithms: []string{HS256}, HMACSecret: []byte("short")}},
		{"rs256 without key", Config{Issuer: testIssuer, Audience: testAudience, AllowedAlgorithms: []string{RS256}}},
		{"es256 with rsa key", Config{Issuer: testIssuer, Audience: testAudience, AllowedAlgorithms: []string{ES256}, PublicKey: &rsaKey.PublicKey}},
		{"unknown alg", Config{Issuer: testIssuer, Audience: testAudience, AllowedAlgorithms: []string{"HS512"}, HMACSecret: testSecret}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidator(tt.cfg)
			assert.Error(t, err)
		})
	}
}
