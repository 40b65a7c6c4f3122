package corpus

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve"
)

// Document is a fetched page (or page chunk) held for the lifetime of a
// research run.
type Document struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	Text    string    `json:"text"`
	TaskID  string    `json:"task_id"`
	AddedAt time.Time `json:"added_at"`
}

// Hit is a single full-text match against the run corpus.
type Hit struct {
	DocID   string  `json:"doc_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Corpus is an in-memory BM25 index over the pages a run has fetched so
// far. It lives and dies with the run; nothing is persisted.
type Corpus struct {
	index bleve.Index
	meta  map[string]Document
	mu    sync.RWMutex
}

func New() (*Corpus, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Corpus{index: index, meta: make(map[string]Document)}, nil
}

func (c *Corpus) Add(doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.AddedAt.IsZero() {
		doc.AddedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[doc.ID] = doc
	return c.index.Index(doc.ID, doc)
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.meta)
}

func (c *Corpus) Document(id string) (Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.meta[id]
	return doc, ok
}

// Search runs a BM25 query over the indexed documents and returns the top
// k hits, best first.
func (c *Corpus) Search(q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := c.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		doc := c.meta[hit.ID]
		out = append(out, Hit{
			DocID: hit.ID, URL: doc.URL, Title: doc.Title,
			Snippet: snippet(doc.Text),
			Score:   hit.Score, Rank: i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (c *Corpus) Close() error {
	return c.index.Close()
}

// Store holds one corpus per active research run.
type Store struct {
	mu      sync.RWMutex
	corpora map[string]*Corpus
}

func NewStore() *Store {
	return &Store{corpora: make(map[string]*Corpus)}
}

// Open creates the corpus for a run. Opening the same run twice returns
// the existing corpus.
func (s *Store) Open(runID string) (*Corpus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.corpora[runID]; ok {
		return c, nil
	}
	c, err := New()
	if err != nil {
		return nil, err
	}
	s.corpora[runID] = c
	return c, nil
}

// Get returns the corpus for a run, if one is open.
func (s *Store) Get(runID string) (*Corpus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.corpora[runID]
	return c, ok
}

// Release closes and drops a run's corpus.
func (s *Store) Release(runID string) {
	s.mu.Lock()
	c, ok := s.corpora[runID]
	delete(s.corpora, runID)
	s.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// snippet cuts the text to at most 300 bytes on a rune boundary.
func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	cut := 300
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
