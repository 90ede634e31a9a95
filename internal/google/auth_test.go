package google

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestSaveToken_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := TokenPath(dir, "work")
	token := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}

	require.NoError(t, SaveToken(path, token))
	got, err := tokenFromFile(path)

	require.NoError(t, err)
	assert.Equal(t, "refresh", got.RefreshToken)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestGetTokenAccounts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"token-work.json", "token-personal.json", "credentials.json", "token-notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}

	accounts, err := GetTokenAccounts(dir)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "personal"}, accounts)
}

func TestFileCredentials_MissingToken(t *testing.T) {
	creds := FileCredentials{Config: &oauth2.Config{}, Dir: t.TempDir(), Account: "nobody"}

	_, err := creds.TokenSource(context.Background())

	assert.ErrorContains(t, err, "auth")
}

func TestPersistingTokenSource_SavesRefreshedToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token-work.json")
	old := &oauth2.Token{AccessToken: "old", RefreshToken: "refresh"}
	require.NoError(t, SaveToken(path, old))
	ts := &persistingTokenSource{
		next: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "new", RefreshToken: "refresh"}),
		path: path,
		last: old,
	}

	token, err := ts.Token()

	require.NoError(t, err)
	assert.Equal(t, "new", token.AccessToken)
	saved, err := tokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", saved.AccessToken)
}

func TestOAuthConfig_FromClientSecret(t *testing.T) {
	config, err := OAuthConfig("id", "secret")

	require.NoError(t, err)
	assert.Equal(t, "id", config.ClientID)
	assert.Equal(t, oobRedirectURL, config.RedirectURL)
	assert.Contains(t, config.Scopes, "https://www.googleapis.com/auth/calendar")
}
