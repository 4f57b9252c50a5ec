package cmis

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNoCredentials is returned when a request is built without any
// authentication scheme configured.
var ErrNoCredentials = errors.New("cmis: no credentials configured")

// Authenticator attaches credentials to an outgoing request.
type Authenticator interface {
	Apply(req *http.Request) error
}

// BasicAuth authenticates with a username and password. Most on-premise
// CMIS repositories (Alfresco, Nuxeo) default to this.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets the Authorization header using HTTP basic auth.
func (a BasicAuth) Apply(req *http.Request) error {
	if a.Username == "" {
		return ErrNoCredentials
	}

	req.SetBasicAuth(a.Username, a.Password)

	return nil
}

// BearerAuth authenticates with OAuth2 bearer tokens from a TokenSource.
// The source refreshes expired tokens transparently.
type BearerAuth struct {
	Source oauth2.TokenSource
}

// Apply sets the Authorization header with a fresh bearer token.
func (a BearerAuth) Apply(req *http.Request) error {
	if a.Source == nil {
		return ErrNoCredentials
	}

	token, err := a.Source.Token()
	if err != nil {
		return fmt.Errorf("cmis: fetching bearer token: %w", err)
	}

	token.SetAuthHeader(req)

	return nil
}

// ClientCredentialsAuth builds a BearerAuth backed by the OAuth2 client
// credentials grant. The returned source caches and auto-refreshes tokens.
func ClientCredentialsAuth(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) BearerAuth {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}

	return BearerAuth{Source: cfg.TokenSource(ctx)}
}
