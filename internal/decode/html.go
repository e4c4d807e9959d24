package decode

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// extractFromHTML walks a feed page and collects the scheme-bearing tokens
// from text nodes and href attributes, one per output line. Some sources
// publish their links inside plain HTML pages instead of raw text.
func extractFromHTML(body []byte) []byte {
	z := html.NewTokenizer(bytes.NewReader(body))
	var out bytes.Buffer
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return out.Bytes()
			}
			return out.Bytes()
		}
		switch tt {
		case html.TextToken:
			collectTokens(string(z.Text()), &out)
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			if !strings.EqualFold(t.Data, "a") {
				continue
			}
			for _, a := range t.Attr {
				if strings.EqualFold(a.Key, "href") {
					collectTokens(a.Val, &out)
				}
			}
		}
	}
}

func collectTokens(text string, out *bytes.Buffer) {
	for _, field := range strings.Fields(text) {
		for _, d := range dispatch {
			if strings.HasPrefix(field, d.scheme) {
				out.WriteString(field)
				out.WriteByte('\n')
				break
			}
		}
	}
}
