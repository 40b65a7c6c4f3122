package web_search

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepreport/tools/web_search/brave"
	"github.com/mohammad-safakhou/deepreport/tools/web_search/models"
	"github.com/mohammad-safakhou/deepreport/tools/web_search/serper"
)

type WebSearcher interface {
	Name() string
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

var ErrUnsupportedProvider = &Error{"unsupported provider"}
var ErrNoProviders = &Error{"no search providers configured"}

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// Aggregator fans a query out to every configured provider and merges the
// results. A provider that errors or exceeds the per-provider timeout is
// dropped; the merged result carries whatever the healthy providers
// returned. Priority gives earlier providers the edge on score ties.
type Aggregator struct {
	Providers []WebSearcher
	Priority  []string
	Timeout   time.Duration
	Logger    *log.Logger
}

func NewAggregator(providers []WebSearcher, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	priority := make([]string, 0, len(providers))
	for _, p := range providers {
		priority = append(priority, p.Name())
	}
	return &Aggregator{
		Providers: providers,
		Priority:  priority,
		Timeout:   timeout,
		Logger:    log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
}

// Search returns at most k deduplicated results ordered by score desc,
// then provider priority, then original provider rank.
func (a *Aggregator) Search(ctx context.Context, query string, k int, sites []string, recency int) ([]models.Result, error) {
	if len(a.Providers) == 0 {
		return nil, ErrNoProviders
	}
	if k <= 0 {
		k = 10
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	var gathered []models.Result
	for _, p := range a.Providers {
		wg.Add(1)
		go func(p WebSearcher) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, a.Timeout)
			defer cancel()
			results, err := p.Discover(pctx, query, k, sites, recency)
			if err != nil {
				a.Logger.Printf("provider %s dropped: %v", p.Name(), err)
				return
			}
			mu.Lock()
			gathered = append(gathered, results...)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return a.rank(Deduplicate(gathered), k), nil
}

// Subset returns an aggregator restricted to the named providers, in the
// given order; the order also becomes the tie-break priority. Names that
// match no configured provider are ignored.
func (a *Aggregator) Subset(names []string) *Aggregator {
	byName := make(map[string]WebSearcher, len(a.Providers))
	for _, p := range a.Providers {
		byName[p.Name()] = p
	}
	var providers []WebSearcher
	var priority []string
	for _, name := range names {
		if p, ok := byName[name]; ok {
			providers = append(providers, p)
			priority = append(priority, name)
		}
	}
	return &Aggregator{Providers: providers, Priority: priority, Timeout: a.Timeout, Logger: a.Logger}
}

func (a *Aggregator) rank(results []models.Result, k int) []models.Result {
	prio := make(map[string]int, len(a.Priority))
	for i, name := range a.Priority {
		prio[name] = i
	}
	rankOf := func(r models.Result) int {
		if p, ok := prio[r.Provider]; ok {
			return p
		}
		return len(prio)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if pi, pj := rankOf(results[i]), rankOf(results[j]); pi != pj {
			return pi < pj
		}
		return results[i].Rank < results[j].Rank
	})
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// Deduplicate merges results that normalize to the same URL. The surviving
// entry keeps the highest score and the union of provider attributions;
// the first-seen relative order is preserved for ranking tie-breaks.
func Deduplicate(results []models.Result) []models.Result {
	seen := make(map[string]int, len(results))
	var out []models.Result
	for _, r := range results {
		key := NormalizeURL(r.URL)
		if key == "" {
			continue
		}
		if idx, ok := seen[key]; ok {
			keep := &out[idx]
			if r.Score > keep.Score {
				keep.Score = r.Score
				keep.Title = r.Title
				keep.Snippet = r.Snippet
				keep.Provider = r.Provider
			}
			keep.Providers = unionProviders(keep.Providers, append(r.Providers, r.Provider)...)
			continue
		}
		r.Providers = unionProviders(r.Providers, r.Provider)
		seen[key] = len(out)
		out = append(out, r)
	}
	return out
}

var trackingQueryParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
	"ref":          {},
}

// NormalizeURL produces the deduplication key for a result URL: lowercased
// scheme, host and path, fragment removed, tracking parameters stripped
// and the trailing slash trimmed from non-root paths.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.ToLower(u.Path)
	u.Fragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	q := u.Query()
	for key := range q {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func unionProviders(existing []string, providers ...string) []string {
	for _, provider := range providers {
		if provider == "" {
			continue
		}
		dup := false
		for _, p := range existing {
			if p == provider {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, provider)
		}
	}
	return existing
}
