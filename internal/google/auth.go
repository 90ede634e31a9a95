package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	credentialsFile = "credentials.json"
	oobRedirectURL  = "urn:ietf:wg:oauth:2.0:oob"
)

// CredentialProvider supplies OAuth2 tokens for the Calendar API.
type CredentialProvider interface {
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

// FileCredentials reads the token of one account from token-<account>.json in
// Dir and writes refreshed tokens back to the same file.
type FileCredentials struct {
	Config  *oauth2.Config
	Dir     string
	Account string
}

func (f FileCredentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	path := TokenPath(f.Dir, f.Account)
	token, err := tokenFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", f.Account, err)
	}
	return &persistingTokenSource{
		next: f.Config.TokenSource(ctx, token),
		path: path,
		last: token,
	}, nil
}

// persistingTokenSource saves the token whenever the wrapped source
// returns a new access token.
type persistingTokenSource struct {
	next oauth2.TokenSource
	path string

	mu   sync.Mutex
	last *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.next.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil || p.last.AccessToken != token.AccessToken {
		if err := SaveToken(p.path, token); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
		}
		p.last = token
	}
	return token, nil
}

// OAuthConfig returns the OAuth2 config for the desktop flow. Client id and
// secret take precedence over a credentials.json file in the working directory.
func OAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  oobRedirectURL,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("credentials.json not found. Please set google.clientid and google.clientsecret (CALSYNC_GOOGLE_CLIENTID, CALSYNC_GOOGLE_CLIENTSECRET) or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = oobRedirectURL
	return config, nil
}

// TokenFromWeb exchanges an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenPath returns the token file of account inside dir.
func TokenPath(dir, account string) string {
	return filepath.Join(dir, "token-"+account+".json")
}

// SaveToken saves a token to a file path, readable by the owner only.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the accounts that have a token file in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
