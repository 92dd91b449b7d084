// Package registry implements the container-registry capability consumed by
// the graph-builder scrape plugins: listing tags, fetching manifests and
// fetching blobs from a Docker-v2 or OCI registry.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Client is the registry capability used by the scrape plugins.
type Client interface {
	// ListTags returns all tags of the repository, sorted by the registry.
	ListTags(ctx context.Context, repository string) ([]string, error)
	// FetchManifest returns the raw manifest bytes, its media type and its
	// content digest for the given reference (tag or digest).
	FetchManifest(ctx context.Context, repository, reference string) ([]byte, string, digest.Digest, error)
	// FetchBlob returns the raw bytes of the blob with the given digest.
	FetchBlob(ctx context.Context, repository string, dgst digest.Digest) ([]byte, error)
}

// Credentials hold the optional registry login.
type Credentials struct {
	Username string
	Password string
}

// dockerAuths models the subset of a docker config.json holding registry
// logins.
type dockerAuths struct {
	Auths map[string]struct {
		Auth     string `json:"auth"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"auths"`
}

// ReadCredentials extracts the login for the given registry host from a
// docker config.json style credentials file.
func ReadCredentials(path, host string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "reading credentials file %s", path)
	}
	var cfg dockerAuths
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Credentials{}, errors.Wrapf(err, "parsing credentials file %s", path)
	}
	entry, ok := cfg.Auths[host]
	if !ok {
		return Credentials{}, nil
	}
	if entry.Auth != "" {
		decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
		if err != nil {
			return Credentials{}, errors.Wrapf(err, "decoding auth entry for %s", host)
		}
		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 {
			return Credentials{}, fmt.Errorf("auth entry for %s is not user:password", host)
		}
		return Credentials{Username: parts[0], Password: parts[1]}, nil
	}
	return Credentials{Username: entry.Username, Password: entry.Password}, nil
}

// TrimProtocol strips an http(s) scheme prefix from a registry reference.
func TrimProtocol(registry string) string {
	registry = strings.TrimPrefix(registry, "https://")
	return strings.TrimPrefix(registry, "http://")
}

// HTTPClient talks the Docker Registry HTTP API V2. It handles anonymous and
// bearer-token authentication, acquiring pull-scope tokens on demand.
type HTTPClient struct {
	baseURL     string
	host        string
	credentials Credentials
	client      *retryablehttp.Client

	// tokenMu guards token; concurrent scrape workers share the client.
	tokenMu sync.Mutex
	token   string
}

// NewHTTPClient builds a client for the given registry. The registry may
// carry an explicit http:// scheme for plaintext registries in tests;
// otherwise https is assumed.
func NewHTTPClient(registry string, credentials Credentials) *HTTPClient {
	scheme := "https"
	if strings.HasPrefix(registry, "http://") {
		scheme = "http"
	}
	host := TrimProtocol(registry)

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = 120 * time.Second
	client.Logger = nil

	return &HTTPClient{
		baseURL:     fmt.Sprintf("%s://%s", scheme, host),
		host:        host,
		credentials: credentials,
		client:      client,
	}
}

// Host returns the registry host the client talks to.
func (c *HTTPClient) Host() string { return c.host }

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags implements Client, following RFC5988 pagination links.
func (c *HTTPClient) ListTags(ctx context.Context, repository string) ([]string, error) {
	var tags []string
	next := fmt.Sprintf("%s/v2/%s/tags/list?n=100", c.baseURL, repository)
	for next != "" {
		body, header, err := c.get(ctx, repository, next, "")
		if err != nil {
			return nil, errors.Wrapf(err, "listing tags of %s", repository)
		}
		var page tagList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errors.Wrapf(err, "parsing tag list of %s", repository)
		}
		tags = append(tags, page.Tags...)
		next = nextLink(header.Get("Link"), c.baseURL)
	}
	return tags, nil
}

// FetchManifest implements Client.
func (c *HTTPClient) FetchManifest(ctx context.Context, repository, reference string) ([]byte, string, digest.Digest, error) {
	target := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repository, url.PathEscape(reference))
	accept := strings.Join(manifestMediaTypes, ", ")
	body, header, err := c.get(ctx, repository, target, accept)
	if err != nil {
		return nil, "", "", errors.Wrapf(err, "fetching manifest %s:%s", repository, reference)
	}
	mediaType := header.Get("Content-Type")
	dgst := digest.Digest(header.Get("Docker-Content-Digest"))
	if dgst == "" {
		dgst = digest.FromBytes(body)
	}
	return body, mediaType, dgst, nil
}

// FetchBlob implements Client.
func (c *HTTPClient) FetchBlob(ctx context.Context, repository string, dgst digest.Digest) ([]byte, error) {
	target := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, repository, dgst)
	body, _, err := c.get(ctx, repository, target, "")
	if err != nil {
		return nil, errors.Wrapf(err, "fetching blob %s", dgst)
	}
	return body, nil
}

// get performs an authenticated GET, acquiring a bearer token once when the
// registry answers with an auth challenge.
func (c *HTTPClient) get(ctx context.Context, repository, target, accept string) ([]byte, http.Header, error) {
	for attempt := 0; attempt < 2; attempt++ {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, nil, err
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		c.tokenMu.Lock()
		token := c.token
		c.tokenMu.Unlock()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		} else if c.credentials.Username != "" {
			req.SetBasicAuth(c.credentials.Username, c.credentials.Password)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, nil, err
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, nil, readErr
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			challenge := resp.Header.Get("WWW-Authenticate")
			token, err := c.fetchToken(ctx, repository, challenge)
			if err != nil {
				return nil, nil, errors.Wrap(err, "authenticating with registry")
			}
			c.tokenMu.Lock()
			c.token = token
			c.tokenMu.Unlock()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
		}
		return body, resp.Header, nil
	}
	return nil, nil, fmt.Errorf("authentication loop fetching %s", target)
}

// fetchToken resolves a `Bearer realm=...` challenge into a pull token.
func (c *HTTPClient) fetchToken(ctx context.Context, repository, challenge string) (string, error) {
	params := parseChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("auth challenge without realm: %q", challenge)
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return "", errors.Wrapf(err, "parsing auth realm %q", realm)
	}
	query := tokenURL.Query()
	if service := params["service"]; service != "" {
		query.Set("service", service)
	}
	query.Set("scope", fmt.Sprintf("repository:%s:pull", repository))
	tokenURL.RawQuery = query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	if c.credentials.Username != "" {
		req.SetBasicAuth(c.credentials.Username, c.credentials.Password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint responded with status %d", resp.StatusCode)
	}

	var token struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", errors.Wrap(err, "parsing token response")
	}
	if token.Token != "" {
		return token.Token, nil
	}
	if token.AccessToken != "" {
		return token.AccessToken, nil
	}
	return "", fmt.Errorf("token endpoint returned no token")
}

func parseChallenge(challenge string) map[string]string {
	out := map[string]string{}
	challenge = strings.TrimPrefix(challenge, "Bearer ")
	for _, part := range strings.Split(challenge, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// nextLink extracts the next page URL from an RFC5988 Link header.
func nextLink(header, base string) string {
	if header == "" {
		return ""
	}
	for _, link := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(link), ";")
		if len(parts) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(parts[0]), "<>")
		for _, param := range parts[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				if strings.HasPrefix(target, "/") {
					return base + target
				}
				return target
			}
		}
	}
	return ""
}
