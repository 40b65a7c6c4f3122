package models

import "time"

// Result is a single search hit returned by a provider or the aggregator.
// Score is normalized to [0,1]; Providers lists every provider that
// returned the (deduplicated) URL.
type Result struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	Provider    string    `json:"provider"`
	Providers   []string  `json:"providers,omitempty"`
	Score       float64   `json:"score"`
	Rank        int       `json:"rank"`
	RetrievedAt time.Time `json:"retrieved_at"`
}
