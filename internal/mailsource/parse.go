package mailsource

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ReleaseSubjectPrefix starts the subject of every release notification.
const ReleaseSubjectPrefix = "new release from"

// ParsedRelease is what a notification body says about a release.
type ParsedRelease struct {
	SourceURL string
	IsTrack   bool
	Artist    string
	Title     string
	PageName  string
}

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	callToRe   = regexp.MustCompile(`(?i),\s*check it out here`)
	releasedRe = regexp.MustCompile(`(?i)just\s+(?:released|announced)`)
)

// ParseReleaseEmail extracts release details from a notification's HTML body.
// It reports false when the subject is not a release notification or the
// body carries no album or track link.
func ParseReleaseEmail(body, subject string) (*ParsedRelease, bool) {
	if strings.TrimSpace(body) == "" {
		return nil, false
	}
	if subject != "" && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), ReleaseSubjectPrefix) {
		return nil, false
	}

	doc := scanHTML(body)
	sourceURL, ok := findReleaseURL(doc.links)
	if !ok {
		return nil, false
	}
	p := &ParsedRelease{SourceURL: sourceURL}
	if u, err := url.Parse(sourceURL); err == nil {
		p.IsTrack = strings.Contains(strings.ToLower(u.Path), "/track/")
	}

	// "Greetings x, <page> just released <title> by <artist>, check it out here"
	text := doc.text
	if strings.HasPrefix(strings.ToLower(text), "greetings ") {
		if _, rest, found := strings.Cut(text, ","); found {
			text = strings.TrimSpace(rest)
		}
	}
	text = strings.TrimSpace(callToRe.Split(text, 2)[0])

	var after string
	if loc := releasedRe.FindStringIndex(text); loc != nil {
		p.PageName = strings.TrimSpace(text[:loc[0]])
		after = strings.TrimSpace(text[loc[1]:])
	}

	italics := doc.italics
	for _, it := range italics {
		if after != "" && strings.Contains(after, it) {
			p.Title = it
			break
		}
	}
	if p.Title == "" && len(italics) > 0 {
		p.Title = italics[0]
	}

	if after != "" && p.Title != "" {
		byRe := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(p.Title) + `\s+by\s+(.+)$`)
		if m := byRe.FindStringSubmatch(after); m != nil {
			p.Artist = strings.TrimSpace(m[1])
		}
	}

	return p, true
}

// findReleaseURL returns the first link whose path looks like a release
// page, without query or fragment. Custom domains are accepted.
func findReleaseURL(links []string) (string, bool) {
	for _, href := range links {
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			continue
		}
		path := strings.ToLower(u.Path)
		if strings.Contains(path, "/album/") || strings.Contains(path, "/track/") {
			u.RawQuery = ""
			u.ForceQuery = false
			u.Fragment = ""
			u.RawFragment = ""
			return u.String(), true
		}
	}
	return "", false
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// htmlDoc is the part of a notification body the parser looks at.
type htmlDoc struct {
	// links holds anchor hrefs in document order
	links []string
	// text is the visible text with whitespace collapsed
	text string
	// italics holds the text of <i>, <em> and italic-styled <span>
	// elements, ordered by where each element starts
	italics []string
}

// openElem is an inline element whose text is being collected.
type openElem struct {
	tag    string
	italic bool
	buf    strings.Builder
}

// scanHTML tokenizes body once. Comments and the contents of head, script
// and style are not visible text. Malformed markup is scanned as far as the
// tokenizer gets.
func scanHTML(body string) htmlDoc {
	var (
		doc     htmlDoc
		text    strings.Builder
		stack   []*openElem
		hidden  int
		order   []*openElem
		collect = func(s string) {
			text.WriteString(s)
			for _, e := range stack {
				if e.italic {
					e.buf.WriteString(s)
				}
			}
		}
	)

	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if hidden == 0 {
				collect(string(z.Text()))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			collect(" ")
			switch tok.DataAtom {
			case atom.Head, atom.Script, atom.Style:
				if tt == html.StartTagToken {
					hidden++
				}
			case atom.A:
				if href, ok := attr(tok, "href"); ok && hidden == 0 {
					doc.links = append(doc.links, href)
				}
			case atom.I, atom.Em, atom.Span:
				if tt == html.SelfClosingTagToken {
					break
				}
				e := &openElem{tag: tok.Data, italic: tok.DataAtom != atom.Span}
				if style, ok := attr(tok, "style"); ok && strings.Contains(strings.ToLower(style), "italic") {
					e.italic = true
				}
				stack = append(stack, e)
				if e.italic {
					order = append(order, e)
				}
			}
		case html.EndTagToken:
			tok := z.Token()
			collect(" ")
			switch tok.DataAtom {
			case atom.Head, atom.Script, atom.Style:
				if hidden > 0 {
					hidden--
				}
			case atom.I, atom.Em, atom.Span:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i].tag == tok.Data {
						stack = stack[:i]
						break
					}
				}
			}
		}
	}

	doc.text = cleanText(text.String())
	for _, e := range order {
		if t := cleanText(e.buf.String()); t != "" {
			doc.italics = append(doc.italics, t)
		}
	}
	return doc
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
