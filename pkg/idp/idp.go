// Package idp enumerates the identity provider's user population through
// its paginated admin REST API, applying the service-account and
// enabled-user filters before yielding records to callers.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	sharederrors "github.com/oriolrius/keycloak-kafka-scram-sync/pkg/shared/errors"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/shared/httpclient"
)

// User is one IdP user record relevant to SCRAM sync.
type User struct {
	ID        string
	Username  string
	Email     string
	Enabled   bool
	CreatedAt *time.Time
}

// DefaultServiceAccountPrefixes are the username prefixes identifying
// non-human service accounts, excluded from sync by default.
var DefaultServiceAccountPrefixes = []string{"service-account-", "system-", "admin-"}

// Config controls how the enumerator talks to the IdP.
type Config struct {
	BaseURL                string
	Realm                  string
	ClientID               string
	ClientSecret           string
	ConnectTimeout         time.Duration
	ReadTimeout            time.Duration
	PageSize               int
	ServiceAccountPrefixes []string
}

// DefaultConfig returns enumerator defaults per spec (page size 500,
// 10s connect / 30s read timeouts).
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:         10 * time.Second,
		ReadTimeout:            30 * time.Second,
		PageSize:               500,
		ServiceAccountPrefixes: DefaultServiceAccountPrefixes,
	}
}

// Enumerator pulls paginated user lists from the IdP admin surface.
type Enumerator struct {
	cfg    Config
	client *http.Client
}

// NewEnumerator builds an Enumerator against cfg. When ClientID and
// ClientSecret are set, requests are authenticated with an OAuth2
// client-credentials token.
func NewEnumerator(cfg Config) *Enumerator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if len(cfg.ServiceAccountPrefixes) == 0 {
		cfg.ServiceAccountPrefixes = DefaultServiceAccountPrefixes
	}

	httpCfg := httpclient.IdPClientConfig()
	if cfg.ConnectTimeout != 0 {
		httpCfg.TLSHandshakeTimeout = cfg.ConnectTimeout
	}
	if cfg.ReadTimeout != 0 {
		httpCfg.Timeout = cfg.ReadTimeout
	}
	base := httpclient.NewClient(httpCfg)

	var client *http.Client
	if cfg.ClientID != "" {
		ccConfig := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     strings.TrimRight(cfg.BaseURL, "/") + "/realms/" + cfg.Realm + "/protocol/openid-connect/token",
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = ccConfig.Client(ctx)
	} else {
		client = base
	}

	return &Enumerator{cfg: cfg, client: client}
}

// ErrIdpUnavailable is returned when a page fetch exhausts its retry
// budget.
type ErrIdpUnavailable struct {
	Cause error
}

func (e *ErrIdpUnavailable) Error() string {
	return fmt.Sprintf("idp unavailable: %v", e.Cause)
}
func (e *ErrIdpUnavailable) Unwrap() error { return e.Cause }

// FetchAll walks every page of the IdP's user population, applying the
// service-account-prefix and enabled filters, and returns the full,
// filtered set. A page fetch is attempted up to 3 times, with
// exponential waits starting at 1s, before the whole enumeration fails
// with *ErrIdpUnavailable; no
// partial result is ever returned on failure.
func (e *Enumerator) FetchAll(ctx context.Context) ([]User, error) {
	var all []User
	offset := 0

	for {
		page, err := e.fetchPageWithRetry(ctx, offset, e.cfg.PageSize)
		if err != nil {
			return nil, err
		}

		for _, u := range page {
			if !u.Enabled {
				continue
			}
			if e.isServiceAccount(u.Username) {
				continue
			}
			all = append(all, u)
		}

		if len(page) < e.cfg.PageSize {
			break
		}
		offset += e.cfg.PageSize
	}

	return all, nil
}

func (e *Enumerator) isServiceAccount(username string) bool {
	for _, prefix := range e.cfg.ServiceAccountPrefixes {
		if strings.HasPrefix(username, prefix) {
			return true
		}
	}
	return false
}

func (e *Enumerator) fetchPageWithRetry(ctx context.Context, offset, limit int) ([]User, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	var lastErr error
	op := func() ([]User, error) {
		page, err := e.fetchPage(ctx, offset, limit)
		if err != nil {
			lastErr = err
			if !sharederrors.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return page, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(3)),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, &ErrIdpUnavailable{Cause: lastErr}
	}
	return result, nil
}

func (e *Enumerator) fetchPage(ctx context.Context, offset, limit int) ([]User, error) {
	endpoint := fmt.Sprintf("%s/admin/realms/%s/users", strings.TrimRight(e.cfg.BaseURL, "/"), url.PathEscape(e.cfg.Realm))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("first", strconv.Itoa(offset))
	q.Set("max", strconv.Itoa(limit))
	req.URL.RawQuery = q.Encode()

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, sharederrors.NetworkError("fetch users page", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, sharederrors.NetworkError("fetch users page", endpoint,
			fmt.Errorf("unexpected status %d (%s)", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	var raw []struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		Email     string `json:"email"`
		Enabled   bool   `json:"enabled"`
		CreatedTS *int64 `json:"createdTimestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("idp: decode user page: %w", err)
	}

	users := make([]User, 0, len(raw))
	for _, r := range raw {
		u := User{ID: r.ID, Username: r.Username, Email: r.Email, Enabled: r.Enabled}
		if r.CreatedTS != nil {
			t := time.UnixMilli(*r.CreatedTS)
			u.CreatedAt = &t
		}
		users = append(users, u)
	}
	return users, nil
}
