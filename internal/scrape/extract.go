package scrape

import (
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxLinks = 10

// skipped elements never contribute text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Nav: true,
	atom.Footer: true, atom.Header: true, atom.Noscript: true,
}

// Extract parses an HTML or plain-text body fetched from base.
func Extract(r io.Reader, base *url.URL, contentType string) (*Page, error) {
	page := &Page{URL: base.String()}

	mediaType := "text/html"
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
		}
		mediaType = mt
	}

	switch mediaType {
	case "text/plain":
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		page.Text = collapse(string(b))
		return page, nil
	case "text/html", "application/xhtml+xml":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, mediaType)
	}

	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var text strings.Builder
	walk(doc, page, base, &text)
	page.Text = collapse(text.String())
	if page.Title == "" {
		if h1 := find(doc, atom.H1); h1 != nil {
			page.Title = collapse(textOf(h1))
		}
	}
	return page, nil
}

func walk(n *html.Node, page *Page, base *url.URL, text *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if page.Title == "" {
				page.Title = collapse(textOf(n))
			}
			return
		case atom.Meta:
			readMeta(n, page)
		case atom.Time:
			if page.Published == "" {
				page.Published = attr(n, "datetime")
			}
		case atom.A:
			addLink(n, page, base)
		case atom.Table:
			if t, ok := readTable(n); ok {
				page.Tables = append(page.Tables, t)
			}
		}
		if skipped[n.DataAtom] {
			return
		}
	}
	if n.Type == html.TextNode {
		text.WriteString(n.Data)
		text.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, page, base, text)
	}
}

func readMeta(n *html.Node, page *Page) {
	content := attr(n, "content")
	switch strings.ToLower(attr(n, "name") + attr(n, "property")) {
	case "description":
		page.Description = content
	case "author", "article:author":
		if page.Author == "" {
			page.Author = content
		}
	case "article:published_time":
		page.Published = content
	}
}

func addLink(n *html.Node, page *Page, base *url.URL) {
	if len(page.Links) >= maxLinks {
		return
	}
	href := attr(n, "href")
	if href == "" {
		return
	}
	ref, err := url.Parse(href)
	if err != nil || (ref.Scheme == "" && ref.Host == "" && ref.Path == "") {
		return
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return
	}
	abs.Fragment = ""
	lower := strings.ToLower(abs.String())
	if strings.Contains(lower, "pdf") || strings.Contains(lower, "download") {
		return
	}
	page.Links = append(page.Links, abs.String())
}

func readTable(n *html.Node) (Table, bool) {
	var rows [][]string
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					cells = append(cells, collapse(textOf(c)))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	if len(rows) < 2 {
		return Table{}, false
	}
	return Table{Headers: rows[0], Rows: rows[1:]}, true
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
