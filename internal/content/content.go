// Package content turns raw WordPress posts into cleaned articles ready to be
// e-mailed.
package content

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"eom-relay/internal/api"
)

const wordsPerMinute = 200

// ErrMalformedPost is returned for posts that cannot be processed at all.
var ErrMalformedPost = errors.New("malformed post")

// Metadata is what the relay keeps from a post after extraction.
type Metadata struct {
	ID         int64
	Title      string // still HTML-escaped as WordPress renders it
	Excerpt    string
	URL        string
	Published  time.Time
	Modified   string
	AuthorID   int64
	Categories []int64
	Tags       []int64
	Places     []int64
	Coauthors  int
	RawContent string
	Access     api.Access
}

// Image is an <img> found in article content.
type Image struct {
	Src   string
	Alt   string
	Title string
}

// Article is the rendered, deliverable form of a post.
type Article struct {
	ID                   int64
	Title                string
	URL                  string
	Published            time.Time
	Access               api.Access
	HTML                 string
	Text                 string
	Excerpt              string
	Images               []Image
	WordCount            int
	ReadMinutes          int
	RequiresSubscription bool
}

var (
	paywallSelectors = "div.mp_wrapper, div.payment-wall, div.mepr-login-form-wrap"
	allowedAttrs     = map[string]bool{"href": true, "src": true, "alt": true, "title": true, "class": true}
)

// Transformer extracts metadata from posts and renders them into articles.
type Transformer struct {
	log zerolog.Logger
}

func NewTransformer(logger zerolog.Logger) *Transformer {
	return &Transformer{log: logger.With().Str("component", "content").Logger()}
}

// ExtractMetadata validates a post and pulls out the fields the relay uses.
// Posts without an id or with an unparsable publication date are malformed.
func (t *Transformer) ExtractMetadata(post api.Post, access api.Access) (Metadata, error) {
	if post.ID == 0 {
		return Metadata{}, fmt.Errorf("%w: missing id", ErrMalformedPost)
	}
	published, err := publishedAt(post)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: post %d: %w", ErrMalformedPost, post.ID, err)
	}

	return Metadata{
		ID:         post.ID,
		Title:      post.Title.Rendered,
		Excerpt:    post.Excerpt.Rendered,
		URL:        post.Link,
		Published:  published,
		Modified:   post.Modified,
		AuthorID:   post.Author,
		Categories: post.Categories,
		Tags:       post.Tags,
		Places:     post.Places,
		Coauthors:  len(post.Coauthors),
		RawContent: post.Content.Rendered,
		Access:     access,
	}, nil
}

// Render produces the deliverable article. Open posts carry the full cleaned
// body; premium posts only carry the paywall teaser.
func (t *Transformer) Render(meta Metadata) (*Article, error) {
	article := &Article{
		ID:        meta.ID,
		Title:     TextOf(meta.Title),
		URL:       meta.URL,
		Published: meta.Published,
		Access:    meta.Access,
		Excerpt:   TextOf(meta.Excerpt),
	}

	var err error
	if meta.Access == api.AccessPremium {
		err = t.renderPremium(meta, article)
	} else {
		err = t.renderOpen(meta, article)
	}
	if err != nil {
		return nil, fmt.Errorf("render post %d: %w", meta.ID, err)
	}
	return article, nil
}

func (t *Transformer) renderOpen(meta Metadata, article *Article) error {
	cleaned, err := CleanHTML(meta.RawContent)
	if err != nil {
		return err
	}
	text, err := ExtractText(cleaned)
	if err != nil {
		return err
	}
	images, err := ExtractImages(cleaned)
	if err != nil {
		return err
	}

	article.HTML = cleaned
	article.Text = text
	article.Images = images
	article.WordCount = len(strings.Fields(text))
	article.ReadMinutes = ReadMinutes(text)
	return nil
}

func (t *Transformer) renderPremium(meta Metadata, article *Article) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(meta.RawContent))
	if err != nil {
		return err
	}

	preview := meta.Excerpt
	teaser := doc.Find("div.mepr-unauthorized-excerpt").First()
	if teaser.Length() > 0 {
		if preview, err = goquery.OuterHtml(teaser); err != nil {
			return err
		}
	} else {
		t.log.Debug().Int64("post_id", meta.ID).Msg("No paywall teaser, using excerpt")
	}

	if article.HTML, err = CleanHTML(preview); err != nil {
		return err
	}
	if article.Text, err = ExtractText(article.HTML); err != nil {
		return err
	}

	article.WordCount = len(strings.Fields(article.Text))
	article.ReadMinutes = 1
	article.RequiresSubscription = true
	return nil
}

// CleanHTML drops paywall chrome, scripts and inline styles, and strips every
// attribute outside a small allow-list.
func CleanHTML(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}

	doc.Find(paywallSelectors).Remove()
	doc.Find("script").Remove()

	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			attrs := node.Attr[:0]
			for _, a := range node.Attr {
				if allowedAttrs[a.Key] {
					attrs = append(attrs, a)
				}
			}
			node.Attr = attrs
		}
	})

	return doc.Find("body").Html()
}

// ExtractText returns the visible text with whitespace collapsed.
func ExtractText(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer").Remove()

	var words []string
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		collectText(s, &words)
	})
	return strings.Join(words, " "), nil
}

// collectText walks the tree so that adjacent block elements do not glue
// their words together the way Selection.Text would.
func collectText(s *goquery.Selection, words *[]string) {
	if goquery.NodeName(s) == "#text" {
		*words = append(*words, strings.Fields(s.Text())...)
		return
	}
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		collectText(child, words)
	})
}

func ExtractImages(raw string) ([]Image, error) {
	if raw == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}

	var images []Image
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		images = append(images, Image{
			Src:   src,
			Alt:   s.AttrOr("alt", ""),
			Title: s.AttrOr("title", ""),
		})
	})
	return images, nil
}

// TextOf strips markup from a short fragment such as a title or excerpt and
// decodes entities.
func TextOf(fragment string) string {
	text, err := ExtractText(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return text
}

// ReadMinutes estimates reading time at 200 words per minute, never less
// than one minute.
func ReadMinutes(text string) int {
	words := len(strings.Fields(text))
	return max(1, int(math.Round(float64(words)/wordsPerMinute)))
}

func publishedAt(post api.Post) (time.Time, error) {
	if post.DateGMT != "" {
		if t, err := parseWordPressTime(post.DateGMT); err == nil {
			return t, nil
		}
	}
	if post.Date == "" {
		return time.Time{}, errors.New("missing date")
	}
	return parseWordPressTime(post.Date)
}

// parseWordPressTime accepts RFC 3339 and the offset-less form WordPress
// uses for date and date_gmt. Offset-less values are taken as UTC.
func parseWordPressTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable date %q", s)
	}
	return t, nil
}
