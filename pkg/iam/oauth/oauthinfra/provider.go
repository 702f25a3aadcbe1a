package oauthinfra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

type providerDefaults struct {
	endpoint    oauth2.Endpoint
	userInfoURL string
	scopes      []string
}

var defaults = map[oauth.Provider]providerDefaults{
	oauth.ProviderGoogle: {
		endpoint:    endpoints.Google,
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		scopes:      []string{"openid", "email", "profile"},
	},
	oauth.ProviderMicrosoft: {
		endpoint:    endpoints.AzureAD("common"),
		userInfoURL: "https://graph.microsoft.com/oidc/userinfo",
		scopes:      []string{"openid", "email", "profile"},
	},
	oauth.ProviderGitHub: {
		endpoint:    endpoints.GitHub,
		userInfoURL: "https://api.github.com/user",
		scopes:      []string{"read:user", "user:email"},
	},
}

// ApplyDefaults fills endpoints and scopes left empty in pc
func ApplyDefaults(pc oauth.ProviderConfig) oauth.ProviderConfig {
	d, ok := defaults[pc.Name]
	if !ok {
		return pc
	}
	if pc.AuthURL == "" {
		pc.AuthURL = d.endpoint.AuthURL
	}
	if pc.TokenURL == "" {
		pc.TokenURL = d.endpoint.TokenURL
	}
	if pc.UserInfoURL == "" {
		pc.UserInfoURL = d.userInfoURL
	}
	if len(pc.Scopes) == 0 {
		pc.Scopes = d.scopes
	}
	return pc
}

// OAuth2IdentityProvider implements oauth.IdentityProvider with x/oauth2.
// Identity comes from the id_token when the token endpoint returns one and
// from the userinfo endpoint otherwise.
type OAuth2IdentityProvider struct {
	cfg         *oauth2.Config
	userInfoURL string
	emailsURL   string
}

func NewOAuth2IdentityProvider(pc oauth.ProviderConfig) *OAuth2IdentityProvider {
	pc = ApplyDefaults(pc)
	return &OAuth2IdentityProvider{
		cfg: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       pc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  pc.AuthURL,
				TokenURL: pc.TokenURL,
			},
		},
		userInfoURL: pc.UserInfoURL,
		emailsURL:   emailsURL(pc),
	}
}

// emailsURL is GitHub's address list, served next to /user. Private
// addresses are only reachable there.
func emailsURL(pc oauth.ProviderConfig) string {
	if pc.Name != oauth.ProviderGitHub || pc.UserInfoURL == "" {
		return ""
	}
	return strings.TrimSuffix(pc.UserInfoURL, "/") + "/emails"
}

var _ oauth.IdentityProvider = (*OAuth2IdentityProvider)(nil)

func (p *OAuth2IdentityProvider) AuthCodeURL(state, challenge, redirectURI string) string {
	return p.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (p *OAuth2IdentityProvider) Exchange(ctx context.Context, code, verifier, redirectURI string) (*oauth.ProviderIdentity, error) {
	tok, err := p.cfg.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
	if err != nil {
		return nil, errx.Wrap(err, "token exchange failed", errx.TypeExternal)
	}

	id := &oauth.ProviderIdentity{}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if err := decodeIDToken(raw, id); err != nil {
			return nil, err
		}
	}
	if id.Complete() || p.userInfoURL == "" {
		return id, nil
	}

	if err := p.fetchUserInfo(ctx, tok, id); err != nil {
		return nil, err
	}
	if id.Email == "" && p.emailsURL != "" {
		if err := p.fetchPrimaryEmail(ctx, tok, id); err != nil {
			return nil, err
		}
	}
	return id, nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// decodeIDToken reads claims without checking the signature. The token came
// straight from the provider's token endpoint over TLS in this exchange.
func decodeIDToken(raw string, id *oauth.ProviderIdentity) error {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return errx.Wrap(err, "malformed id_token", errx.TypeExternal)
	}
	id.Subject = claims.Subject
	id.Email = claims.Email
	id.EmailVerified = claims.EmailVerified
	id.Name = claims.Name
	id.Picture = claims.Picture
	return nil
}

// getJSON fetches url with the access token and decodes the body into out.
// It reports the response status; out is only filled on 200.
func (p *OAuth2IdentityProvider) getJSON(ctx context.Context, tok *oauth2.Token, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errx.Wrap(err, "failed to build provider request", errx.TypeInternal)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return 0, errx.Wrap(err, "provider request failed", errx.TypeExternal)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return resp.StatusCode, errx.Wrap(err, "malformed provider response", errx.TypeExternal)
	}
	return resp.StatusCode, nil
}

func (p *OAuth2IdentityProvider) fetchUserInfo(ctx context.Context, tok *oauth2.Token, id *oauth.ProviderIdentity) error {
	var body map[string]any
	status, err := p.getJSON(ctx, tok, p.userInfoURL, &body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errx.New(fmt.Sprintf("userinfo returned %d", status), errx.TypeExternal)
	}
	mergeUserInfo(body, id)
	return nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// fetchPrimaryEmail takes the primary verified address from the emails list.
// A refused list (no user:email grant) leaves the email empty.
func (p *OAuth2IdentityProvider) fetchPrimaryEmail(ctx context.Context, tok *oauth2.Token, id *oauth.ProviderIdentity) error {
	var emails []githubEmail
	status, err := p.getJSON(ctx, tok, p.emailsURL, &emails)
	if err != nil || status != http.StatusOK {
		return err
	}
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			id.Email = e.Email
			id.EmailVerified = true
			return nil
		}
	}
	return nil
}

// mergeUserInfo fills empty identity fields from OIDC or GitHub style keys
func mergeUserInfo(body map[string]any, id *oauth.ProviderIdentity) {
	pick := func(keys ...string) string {
		for _, k := range keys {
			switch v := body[k].(type) {
			case string:
				if v != "" {
					return v
				}
			case json.Number:
				return v.String()
			}
		}
		return ""
	}

	if id.Subject == "" {
		id.Subject = pick("sub", "id")
	}
	if id.Email == "" {
		id.Email = pick("email")
	}
	if id.Name == "" {
		id.Name = pick("name", "login")
	}
	if id.Picture == "" {
		id.Picture = pick("picture", "avatar_url")
	}
	if !id.EmailVerified {
		switch v := body["email_verified"].(type) {
		case bool:
			id.EmailVerified = v
		case string:
			id.EmailVerified, _ = strconv.ParseBool(v)
		}
	}
}
