// Package feed loads the public list of known phishing domains.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

var ErrEmptyList = errors.New("feed: domain list is empty")

const maxBodyBytes = 32 << 20

type domainList struct {
	Domains []string `json:"domains"`
}

type Fetcher struct {
	url     string
	client  *http.Client
	maxWait time.Duration
	logger  *zap.Logger
}

const defaultMaxWait = time.Minute

// NewFetcher builds a fetcher. A non-positive maxWait falls back to one minute
// since the backoff policy treats zero as retry forever.
func NewFetcher(url string, timeout, maxWait time.Duration, logger *zap.Logger) *Fetcher {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Fetcher{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		maxWait: maxWait,
		logger:  logger,
	}
}

// FetchDomainList downloads and normalises the domain list, retrying
// transport failures and 5xx responses until maxWait has elapsed.
func (f *Fetcher) FetchDomainList(ctx context.Context) ([]string, error) {
	var list domainList
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
		backoff.WithMaxElapsedTime(f.maxWait),
	)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		body, err := f.get(ctx)
		if err != nil {
			return err
		}
		list = domainList{}
		if err := sonic.Unmarshal(body, &list); err != nil {
			return backoff.Permanent(fmt.Errorf("decode domain list: %w", err))
		}
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		f.logger.Warn("domain list fetch failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, err
	}

	domains := Normalize(list.Domains)
	if len(domains) == 0 {
		return nil, ErrEmptyList
	}
	return domains, nil
}

func (f *Fetcher) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("domain list: unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("domain list: unexpected status %d", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// Normalize lowercases, IDNA-encodes and de-duplicates domains, dropping
// blanks.
func Normalize(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, raw := range domains {
		domain := strings.ToLower(strings.TrimSpace(raw))
		if domain == "" {
			continue
		}
		if ascii, err := idna.ToASCII(domain); err == nil {
			domain = ascii
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
	}
	return out
}

// Set is an immutable domain set that can be swapped atomically while
// readers are checking membership.
type Set struct {
	domains atomic.Pointer[map[string]struct{}]
}

func NewSet(domains []string) *Set {
	s := &Set{}
	s.Replace(domains)
	return s
}

func (s *Set) Replace(domains []string) {
	m := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		m[d] = struct{}{}
	}
	s.domains.Store(&m)
}

func (s *Set) Contains(domain string) bool {
	m := s.domains.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[domain]
	return ok
}

func (s *Set) Len() int {
	m := s.domains.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}
