package api

import "net/http"

// Credential headers forwarded by clients.
const (
	headerAPIToken   = "X-API-Token"
	headerAPIBaseURL = "X-API-Base-URL"
)

// Credentials is the downstream bearer token and base URL for one
// request. Held in memory only; never persisted.
type Credentials struct {
	Token   string
	BaseURL string
}

// credentialsFrom resolves credentials from request headers, falling back
// to the configured defaults. ok is false when neither yields a token.
func (s *Server) credentialsFrom(r *http.Request) (Credentials, bool) {
	creds := Credentials{
		Token:   r.Header.Get(headerAPIToken),
		BaseURL: r.Header.Get(headerAPIBaseURL),
	}
	if creds.Token == "" {
		creds.Token = s.cfg.APIToken
	}
	if creds.BaseURL == "" {
		creds.BaseURL = s.cfg.APIBaseURL
	}
	return creds, creds.Token != ""
}
