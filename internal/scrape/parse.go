package scrape

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/catalog"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/dates"
)

// errRowIncomplete marks a listing row missing one of the required fields
// (identifier, title, artist, download link). Such rows are skipped, never
// fatal to the page.
var errRowIncomplete = errors.New("listing row missing required fields")

// listingPage is the parsed form of one "My Downloads" page.
type listingPage struct {
	Tracks      []catalog.Track
	SkippedRows int
	HasNext     bool
}

// parseListing extracts purchased tracks from a listing page body.
func parseListing(r io.Reader) (listingPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return listingPage{}, err
	}

	var page listingPage
	for _, row := range findAll(doc, func(n *html.Node) bool {
		return n.Data == "tr" && hasClass(n, "vam")
	}) {
		track, err := extractRow(row)
		if err != nil {
			page.SkippedRows++
			continue
		}
		page.Tracks = append(page.Tracks, track)
	}

	next := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "a" && attrVal(n, "rel") == "next" && hasClass(n, "next")
	})
	page.HasNext = next != nil

	return page, nil
}

// extractRow pulls one track out of a listing table row. The vendor marks
// the song id on the vote button's data-songid attribute; it is prefixed
// with "KV" to form the canonical identifier.
func extractRow(row *html.Node) (catalog.Track, error) {
	songTD := findFirst(row, func(n *html.Node) bool {
		return n.Data == "td" && hasClass(n, "my-downloaded-files__song")
	})
	if songTD == nil {
		return catalog.Track{}, errRowIncomplete
	}

	songAnchor := findFirst(songTD, func(n *html.Node) bool { return n.Data == "a" })
	if songAnchor == nil {
		return catalog.Track{}, errRowIncomplete
	}
	title := strings.TrimSpace(textContent(songAnchor))
	titleURL := attrVal(songAnchor, "href")

	artistTD := nextElementSibling(songTD)
	if artistTD == nil || artistTD.Data != "td" {
		return catalog.Track{}, errRowIncomplete
	}
	artist := strings.TrimSpace(textContent(artistTD))
	var artistURL string
	if a := findFirst(artistTD, func(n *html.Node) bool { return n.Data == "a" }); a != nil {
		artistURL = attrVal(a, "href")
	}

	var purchaseDate string
	if dateTD := findFirst(row, func(n *html.Node) bool {
		return n.Data == "td" && hasClass(n, "my-downloaded-files__date")
	}); dateTD != nil {
		if iso, ok := dates.Parse(textContent(dateTD)); ok {
			purchaseDate = iso
		}
	}

	downloadAnchor := findFirst(row, func(n *html.Node) bool {
		return n.Data == "a" && hasClass(n, "my-downloaded-files__action")
	})
	if downloadAnchor == nil {
		return catalog.Track{}, errRowIncomplete
	}
	downloadURL := attrVal(downloadAnchor, "href")

	var id string
	if vote := findFirst(row, func(n *html.Node) bool {
		return n.Data == "button" && hasClass(n, "my-downloaded-files__vote")
	}); vote != nil {
		if songID := attrVal(vote, "data-songid"); songID != "" {
			id = "KV" + songID
		}
	}

	if id == "" || title == "" || artist == "" || downloadURL == "" {
		return catalog.Track{}, errRowIncomplete
	}

	return catalog.Track{
		ID:           id,
		Artist:       artist,
		ArtistURL:    artistURL,
		Title:        title,
		TitleURL:     titleURL,
		PurchaseDate: purchaseDate,
		DownloadURL:  downloadURL,
	}, nil
}

// parseTotalPages reads the highest page number out of the pagination block.
// Returns 1 when no pagination is present (single-page library).
func parseTotalPages(r io.Reader) (int, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return 1, err
	}

	pagination := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "div" && hasClass(n, "pagination")
	})
	if pagination == nil {
		return 1, nil
	}

	max := 1
	for _, a := range findAll(pagination, func(n *html.Node) bool {
		return n.Data == "a" && hasClass(n, "hidden-xs")
	}) {
		if n, err := strconv.Atoi(strings.TrimSpace(textContent(a))); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}

// --- node helpers ---

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) && n != root {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
