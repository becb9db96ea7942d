package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCredentialsFromTokenResponse(t *testing.T) {
	resp := &TokenResponse{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		Scope:        "repo read:user",
		TokenType:    "bearer",
	}

	before := time.Now()
	creds := CredentialsFromTokenResponse("github", resp)

	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
	assert.Equal(t, []string{"repo", "read:user"}, creds.Scopes)
	assert.Equal(t, "bearer", creds.TokenType)
	assert.Equal(t, "github", creds.Integration)

	wantExpiry := before.Add(time.Hour)
	assert.WithinDuration(t, wantExpiry, creds.ExpiresAt, 2*time.Second)
}

func TestCredentialsFromTokenResponseDefaults(t *testing.T) {
	creds := CredentialsFromTokenResponse("slack", &TokenResponse{
		AccessToken: "access-1",
		ExpiresIn:   60,
	})

	assert.Equal(t, "Bearer", creds.TokenType)
	assert.Empty(t, creds.Scopes)
	assert.Empty(t, creds.RefreshToken)
}

func TestCredentialsIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future expiry", time.Now().Add(time.Hour), false},
		{"past expiry", time.Now().Add(-time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &Credentials{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, creds.IsExpired())
		})
	}
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "tenant-1:github", JobID("tenant-1", "github"))
}
