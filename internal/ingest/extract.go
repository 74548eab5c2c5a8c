package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxFetchSize = 5 << 20 // 5MB

// ErrFetchFailed wraps failures to download a URL.
var ErrFetchFailed = errors.New("fetch failed")

// ExtractPDF returns the plain text of a PDF document.
func ExtractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return normalizeSpace(buf.String()), nil
}

// ExtractHTML returns the visible text of an HTML document and its title.
// Script, style and noscript contents are skipped.
func ExtractHTML(r io.Reader) (title, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				sb.WriteString(s)
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, normalizeSpace(sb.String()), nil
}

// ExtractFile picks an extractor by sniffing the content.
func ExtractFile(data []byte) (string, error) {
	switch ct := http.DetectContentType(data); {
	case strings.HasPrefix(ct, "application/pdf"):
		return ExtractPDF(data)
	case strings.HasPrefix(ct, "text/html"):
		_, text, err := ExtractHTML(bytes.NewReader(data))
		return text, err
	default:
		return normalizeSpace(string(data)), nil
	}
}

// Fetch downloads url and extracts its text. PDF responses are detected by
// content type.
func Fetch(ctx context.Context, client *http.Client, url string) (title, text string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid url: %v", ErrInvalidDocument, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("%w: url returned status %d", ErrFetchFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return "", "", fmt.Errorf("%w: reading url response: %w", ErrFetchFailed, err)
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "pdf"):
		text, err = ExtractPDF(body)
		return "", text, err
	case strings.Contains(ct, "html"), ct == "":
		return ExtractHTML(bytes.NewReader(body))
	default:
		return "", normalizeSpace(string(body)), nil
	}
}

// normalizeSpace collapses runs of blank lines and trailing spaces.
func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
