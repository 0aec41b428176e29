// Package extract reduces uploaded documents to the plain text the chart
// pipeline consumes.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// MaxSize is the largest upload accepted, in bytes.
const MaxSize = 10 << 20

var (
	ErrTooLarge    = errors.New("document too large")
	ErrUnsupported = errors.New("unsupported document type")
	ErrNoText      = errors.New("document contains no text")
)

// Kind is how the extracted text should be fed to the pipeline.
type Kind string

const (
	KindText Kind = "text"
	KindCSV  Kind = "csv"
)

// Document is extracted text plus the input kind it represents.
type Document struct {
	Kind Kind
	Text string
}

// Format names a supported source format.
type Format string

const (
	FormatPlain Format = "plain"
	FormatCSV   Format = "csv"
	FormatHTML  Format = "html"
	FormatPDF   Format = "pdf"
)

// Detect picks the source format from the file name, then the content type,
// then the leading bytes.
func Detect(name, contentType string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".html", ".htm":
		return FormatHTML
	case ".csv":
		return FormatCSV
	case ".txt", ".md":
		return FormatPlain
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "application/pdf":
			return FormatPDF
		case "text/html", "application/xhtml+xml":
			return FormatHTML
		case "text/csv":
			return FormatCSV
		}
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF
	}
	head := strings.ToLower(strings.TrimSpace(string(data[:min(len(data), 512)])))
	if strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") {
		return FormatHTML
	}
	return FormatPlain
}

// Extract converts data into pipeline input.
func Extract(name, contentType string, data []byte) (Document, error) {
	if len(data) > MaxSize {
		return Document{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxSize)
	}

	var (
		doc Document
		err error
	)
	switch Detect(name, contentType, data) {
	case FormatPDF:
		doc.Kind = KindText
		doc.Text, err = PDFText(data)
	case FormatHTML:
		doc.Kind = KindText
		doc.Text, err = HTMLText(bytes.NewReader(data))
	case FormatCSV:
		doc.Kind = KindCSV
		doc.Text, err = plain(data)
	default:
		doc.Kind = KindText
		doc.Text, err = plain(data)
	}
	if err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, ErrNoText
	}
	return doc, nil
}

func plain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not UTF-8 text", ErrUnsupported)
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}

// PDFText returns the plain text of every page.
func PDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	tr, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(tr)
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true, "svg": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "blockquote": true, "pre": true,
}

// HTMLText returns the visible text of an HTML document, one block per line.
func HTMLText(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipElements[n.Data] {
				return
			}
			if n.Data == "td" || n.Data == "th" {
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(root)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
