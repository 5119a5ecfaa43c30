package admission

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type CredentialSource string

const (
	SourcePayload CredentialSource = "payload"
	SourceHeader  CredentialSource = "header"
	SourceQuery   CredentialSource = "query"
)

const (
	HeaderAPIKey      = "X-API-Key"
	HeaderAccessToken = "X-Access-Token"
	QueryAPIKey       = "api_key"
	QueryAccessToken  = "access_token"
	QueryToken        = "token"
)

// PayloadCredentials are the credential fields a client may embed in a
// message body.
type PayloadCredentials struct {
	APIKey      string `json:"api_key,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Credentials are either an API key pair or a bearer token.
type Credentials struct {
	APIKey      string
	AccessToken string
	BearerToken string
	Source      CredentialSource
}

func (c Credentials) IsBearer() bool {
	return c.BearerToken != ""
}

type rawCredentials struct {
	apiKey      string
	accessToken string
	bearer      string
	malformed   string
}

func (r rawCredentials) empty() bool {
	return r.apiKey == "" && r.accessToken == "" && r.bearer == "" && r.malformed == ""
}

// ExtractCredentials picks the first source carrying any credential field:
// payload, then handshake headers, then handshake query. Within a source a
// bearer token beats an API key pair, which is reported as a warning.
func ExtractCredentials(payload *PayloadCredentials, headers http.Header, query url.Values) (Credentials, []string, error) {
	candidates := []struct {
		source CredentialSource
		raw    rawCredentials
	}{
		{SourcePayload, fromPayload(payload)},
		{SourceHeader, fromHeaders(headers)},
		{SourceQuery, fromQuery(query)},
	}

	for _, candidate := range candidates {
		if candidate.raw.empty() {
			continue
		}
		return resolve(candidate.source, candidate.raw)
	}

	return Credentials{}, nil, ErrCredentialsMissing
}

func resolve(source CredentialSource, raw rawCredentials) (Credentials, []string, error) {
	var warnings []string

	if raw.bearer != "" {
		if raw.apiKey != "" || raw.accessToken != "" {
			warnings = append(warnings, fmt.Sprintf("both bearer token and api key supplied in %s, using bearer token", source))
		}
		return Credentials{BearerToken: raw.bearer, Source: source}, warnings, nil
	}

	if raw.malformed != "" {
		return Credentials{Source: source}, nil, fmt.Errorf("%w: %s", ErrCredentialsMalformed, raw.malformed)
	}

	if raw.apiKey == "" || raw.accessToken == "" {
		return Credentials{Source: source}, nil, fmt.Errorf("%w: api key and access token must be supplied together", ErrCredentialsMalformed)
	}

	return Credentials{APIKey: raw.apiKey, AccessToken: raw.accessToken, Source: source}, warnings, nil
}

func fromPayload(payload *PayloadCredentials) rawCredentials {
	if payload == nil {
		return rawCredentials{}
	}

	return rawCredentials{
		apiKey:      strings.TrimSpace(payload.APIKey),
		accessToken: strings.TrimSpace(payload.AccessToken),
		bearer:      strings.TrimSpace(payload.Token),
	}
}

func fromHeaders(headers http.Header) rawCredentials {
	if headers == nil {
		return rawCredentials{}
	}

	raw := rawCredentials{
		apiKey:      strings.TrimSpace(headers.Get(HeaderAPIKey)),
		accessToken: strings.TrimSpace(headers.Get(HeaderAccessToken)),
	}

	authorization := strings.TrimSpace(headers.Get("Authorization"))
	if authorization == "" {
		return raw
	}

	scheme, token, found := strings.Cut(authorization, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		raw.malformed = "authorization header must use the bearer scheme"
		return raw
	}
	raw.bearer = token

	return raw
}

func fromQuery(query url.Values) rawCredentials {
	if query == nil {
		return rawCredentials{}
	}

	return rawCredentials{
		apiKey:      strings.TrimSpace(query.Get(QueryAPIKey)),
		accessToken: strings.TrimSpace(query.Get(QueryAccessToken)),
		bearer:      strings.TrimSpace(query.Get(QueryToken)),
	}
}
