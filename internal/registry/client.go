// Package registry authenticates to the private image registry with a
// service-account key and lists the versions of the inference image.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"onprem/internal/apperr"
	"onprem/internal/common/fsutil"
	"onprem/internal/runtime"
	"onprem/pkg/types"
)

const (
	// DefaultAPIBase is the Artifact Registry REST endpoint.
	DefaultAPIBase = "https://artifactregistry.googleapis.com/v1"
	// Scope requested for the service-account token.
	Scope = "https://www.googleapis.com/auth/cloud-platform"

	pageSize = 500
	// dockerTokenUser is the username registries accept with an OAuth2 access token.
	dockerTokenUser = "oauth2accesstoken"
)

// Client talks to the registry. The zero value uses the public endpoint.
type Client struct {
	// BaseURL overrides DefaultAPIBase.
	BaseURL string
	// HTTPClient is used both for the token exchange and as the base transport
	// for API calls. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// Session is an authenticated registry session. It refreshes its token as
// needed and can hand the same credentials to the container runtime.
type Session struct {
	ServiceAccount string
	ProjectID      string

	ts     oauth2.TokenSource
	client *http.Client
}

type keyFile struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	ProjectID   string `json:"project_id"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultAPIBase
}

// Authenticate exchanges the service-account key at path for an access token.
// A missing, unreadable or malformed key is a ConfigError; a rejected key is
// an AuthError.
func (c *Client) Authenticate(ctx context.Context, path string) (*Session, error) {
	abs, err := fsutil.ResolveFile(path)
	if err != nil {
		return nil, apperr.Config("authenticate", "service account key file not usable", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, apperr.Config("authenticate", "cannot read service account key file", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, apperr.Config("authenticate", "service account key file is not valid JSON", err)
	}
	if kf.Type != "service_account" {
		return nil, apperr.Config("authenticate", fmt.Sprintf("key file type is %q, want \"service_account\"", kf.Type), nil)
	}

	hctx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())
	conf, err := google.JWTConfigFromJSON(data, Scope)
	if err != nil {
		return nil, apperr.Config("authenticate", "service account key file is malformed", err)
	}
	c.Log.Debug().Str("event", "auth").Str("account", kf.ClientEmail).Msg("exchanging service account key")
	src := conf.TokenSource(hctx)
	tok, err := src.Token()
	if err != nil {
		return nil, apperr.Auth("authenticate", "registry rejected the service account "+kf.ClientEmail, err)
	}
	ts := oauth2.ReuseTokenSource(tok, src)
	// oauth2.NewClient keeps only the base transport.
	api := oauth2.NewClient(hctx, ts)
	api.Timeout = c.httpClient().Timeout
	c.Log.Info().Str("event", "auth_ok").Str("account", kf.ClientEmail).Msg("authenticated to registry")
	return &Session{
		ServiceAccount: kf.ClientEmail,
		ProjectID:      kf.ProjectID,
		ts:             ts,
		client:         api,
	}, nil
}

// RuntimeCredentials returns credentials the container runtime accepts for
// pulls from registryHost-style hosts (*-docker.pkg.dev).
func (s *Session) RuntimeCredentials(ctx context.Context) (runtime.Credentials, error) {
	tok, err := s.ts.Token()
	if err != nil {
		return runtime.Credentials{}, apperr.Auth("credentials", "could not refresh registry token", err)
	}
	return runtime.Credentials{Username: dockerTokenUser, Password: tok.AccessToken}, nil
}

// ForRegistry returns a credential source bound to host.
func (s *Session) ForRegistry(host string) *HostCredentials {
	return &HostCredentials{session: s, host: host}
}

// HostCredentials binds a session to one registry host.
type HostCredentials struct {
	session *Session
	host    string
}

func (h *HostCredentials) RuntimeCredentials(ctx context.Context) (runtime.Credentials, error) {
	c, err := h.session.RuntimeCredentials(ctx)
	if err != nil {
		return c, err
	}
	c.ServerAddress = "https://" + h.host
	return c, nil
}

// Repo identifies an image inside Artifact Registry.
type Repo struct {
	Location   string
	Project    string
	Repository string
	Package    string
}

// ParseRepositoryPath splits "{location}-docker.pkg.dev/{project}/{repository}/{image}".
func ParseRepositoryPath(p string) (Repo, error) {
	parts := strings.SplitN(strings.Trim(p, "/"), "/", 4)
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return Repo{}, fmt.Errorf("repository path %q: want host/project/repository/image", p)
	}
	host := parts[0]
	loc := strings.TrimSuffix(host, "-docker.pkg.dev")
	if loc == host || loc == "" {
		return Repo{}, fmt.Errorf("repository host %q is not an Artifact Registry docker host", host)
	}
	return Repo{Location: loc, Project: parts[1], Repository: parts[2], Package: parts[3]}, nil
}

type tagsPage struct {
	Tags []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"tags"`
	NextPageToken string `json:"nextPageToken"`
}

// ListTags returns the tags of repositoryPath in the order the registry
// reports them. Any failure after authentication is a RegistryError.
func (c *Client) ListTags(ctx context.Context, s *Session, repositoryPath string) ([]types.TagEntry, error) {
	if s == nil {
		return nil, apperr.Auth("list tags", "not authenticated", nil)
	}
	repo, err := ParseRepositoryPath(repositoryPath)
	if err != nil {
		return nil, apperr.Registry("list tags", "bad repository path", err)
	}
	endpoint := fmt.Sprintf("%s/projects/%s/locations/%s/repositories/%s/packages/%s/tags",
		c.baseURL(), url.PathEscape(repo.Project), url.PathEscape(repo.Location),
		url.PathEscape(repo.Repository), url.PathEscape(repo.Package))

	var out []types.TagEntry
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("pageSize", fmt.Sprint(pageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		page, err := c.fetchPage(ctx, s, endpoint+"?"+q.Encode())
		if err != nil {
			return nil, err
		}
		for _, t := range page.Tags {
			out = append(out, types.TagEntry{Tag: lastSegment(t.Name, "/tags/"), Digest: lastSegment(t.Version, "/versions/")})
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(out) == 0 {
		return nil, apperr.Registry("list tags", "no tags found in "+repositoryPath, nil)
	}
	c.Log.Debug().Str("event", "list_tags").Int("count", len(out)).Msg("listed tags")
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, s *Session, u string) (tagsPage, error) {
	var page tagsPage
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return page, apperr.Registry("list tags", "build request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return page, apperr.Registry("list tags", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return page, apperr.Registry("list tags", fmt.Sprintf("registry returned %s: %s", resp.Status, strings.TrimSpace(string(b))), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return page, apperr.Registry("list tags", "malformed registry response", err)
	}
	return page, nil
}

// lastSegment returns what follows the last occurrence of marker in s, or s
// itself when marker is absent.
func lastSegment(s, marker string) string {
	if i := strings.LastIndex(s, marker); i >= 0 {
		return s[i+len(marker):]
	}
	return s
}
