package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"shahin-ai.com/grc-auth/internal/auth"
)

const (
	defaultProfileURL = "https://graph.microsoft.com/v1.0/me"
	defaultGroupsURL  = "https://graph.microsoft.com/v1.0/me/memberOf"
	maxGraphBody      = 1 << 20
)

var defaultScopes = []string{"openid", "profile", "email", "User.Read"}

// OAuth exchanges user credentials for a token with the resource owner
// password grant, then reads the profile and group names from Microsoft
// Graph or a compatible API.
type OAuth struct {
	client *http.Client
}

// NewOAuth returns an OAuth provider. A nil client uses http.DefaultClient.
func NewOAuth(client *http.Client) *OAuth {
	return &OAuth{client: client}
}

type graphProfile struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
}

type graphGroups struct {
	Value []struct {
		DisplayName string `json:"displayName"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (o *OAuth) Authenticate(ctx context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error) {
	if creds.Email == "" || creds.Password == "" {
		return auth.UserInfo{}, ErrInvalidCredentials
	}
	if o.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       scopes,
	}
	tok, err := oc.PasswordCredentialsToken(ctx, creds.Email, creds.Password)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			return auth.UserInfo{}, ErrInvalidCredentials
		}
		return auth.UserInfo{}, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	client := oc.Client(ctx, tok)

	var profile graphProfile
	if err := getJSON(ctx, client, valueOr(cfg.ProfileURL, defaultProfileURL), &profile); err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: profile: %v", ErrTokenExchange, err)
	}
	roles, err := o.groups(ctx, client, valueOr(cfg.GroupsURL, defaultGroupsURL))
	if err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: groups: %v", ErrTokenExchange, err)
	}
	return auth.UserInfo{
		ID:    profile.ID,
		Email: firstNonEmpty(profile.Mail, profile.UserPrincipalName, creds.Email),
		Name:  profile.DisplayName,
		Roles: roles,
	}, nil
}

// groups follows @odata.nextLink for at most ten pages.
func (o *OAuth) groups(ctx context.Context, client *http.Client, url string) ([]string, error) {
	var names []string
	for page := 0; url != "" && page < 10; page++ {
		var g graphGroups
		if err := getJSON(ctx, client, url, &g); err != nil {
			return nil, err
		}
		for _, v := range g.Value {
			if v.DisplayName != "" {
				names = append(names, v.DisplayName)
			}
		}
		url = g.NextLink
	}
	return names, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, maxGraphBody)
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(body)
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(body).Decode(dst)
}
