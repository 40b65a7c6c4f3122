package models

// Result is the extracted content of a fetched page. Status 599 marks a
// render failure; Text is readability output truncated to the fetcher's
// character budget.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Byline      string `json:"byline"`
	SiteName    string `json:"site_name"`
	PublishedAt string `json:"published_at,omitempty"`
	Text        string `json:"text"`
	TopImage    string `json:"top_image"`
	HTMLHash    string `json:"html_hash"`
	Status      int    `json:"status"`
	RenderMS    int    `json:"render_ms"`
}

// Excerpt returns the leading n characters of the extracted text, for use
// as citation evidence.
func (r Result) Excerpt(n int) string {
	if n <= 0 || len(r.Text) <= n {
		return r.Text
	}
	return r.Text[:n]
}
