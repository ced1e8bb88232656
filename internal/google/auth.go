package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var scopes = []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope}

// AuthConfig says where OAuth client credentials and tokens live.
type AuthConfig struct {
	ClientID        string
	ClientSecret    string
	CredentialsFile string
	TokenDir        string
}

// TokenFile returns the token path of accountName.
func (a AuthConfig) TokenFile(accountName string) string {
	return filepath.Join(a.TokenDir, "token-"+accountName+".json")
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(auth AuthConfig) (*oauth2.Config, error) {
	return getOAuthConfig(auth)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials file.
func getOAuthConfig(auth AuthConfig) (*oauth2.Config, error) {
	if auth.ClientID != "" && auth.ClientSecret != "" {
		return &oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(auth.CredentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("%s not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or set google_credentials", auth.CredentialsFile)
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path, readable by the owner only.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("unable to create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
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

// CalendarInfo describes a calendar the account can write to.
type CalendarInfo struct {
	ID      string
	Summary string
	Primary bool
}

// DiscoverCalendars lists the calendars of the account behind config and token.
func DiscoverCalendars(ctx context.Context, config *oauth2.Config, token *oauth2.Token) ([]CalendarInfo, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	list, err := service.CalendarList.List().MinAccessRole("writer").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var out []CalendarInfo
	for _, item := range list.Items {
		out = append(out, CalendarInfo{ID: item.Id, Summary: item.Summary, Primary: item.Primary})
	}
	return out, nil
}

// missingToken explains a token that could not be loaded, naming the accounts
// that do have one.
func missingToken(auth AuthConfig, accountName string, cause error) error {
	accounts, err := GetTokenAccounts(auth.TokenDir)
	if err != nil || len(accounts) == 0 {
		return fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, cause)
	}
	return fmt.Errorf("could not load token for account %s: %w. Authenticated accounts: %s. Please run the 'auth' command or fix google_account",
		accountName, cause, strings.Join(accounts, ", "))
}

// GetTokenAccounts returns the account names that have a token in dir.
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
	sort.Strings(accounts)
	return accounts, nil
}
