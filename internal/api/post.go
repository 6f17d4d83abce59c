package api

import "encoding/json"

// Post is the subset of the WordPress /wp/v2/posts payload this relay reads.
// A zero ID means the field was missing or null.
type Post struct {
	ID         int64             `json:"id"`
	Date       string            `json:"date"`     // site-local, no offset
	DateGMT    string            `json:"date_gmt"` // UTC, no offset
	Modified   string            `json:"modified"`
	Link       string            `json:"link"`
	Title      Rendered          `json:"title"`
	Content    Rendered          `json:"content"`
	Excerpt    Rendered          `json:"excerpt"`
	Author     int64             `json:"author"`
	Categories []int64           `json:"categories"`
	Tags       []int64           `json:"tags"`
	Places     []int64           `json:"lugar"`
	Coauthors  []json.RawMessage `json:"coauthors"`
}

type Rendered struct {
	Rendered  string `json:"rendered"`
	Protected bool   `json:"protected,omitempty"`
}

// Access is the content category of a post.
type Access string

const (
	AccessOpen    Access = "open"
	AccessPremium Access = "premium"
)
