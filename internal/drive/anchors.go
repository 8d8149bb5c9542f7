package drive

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	parentDirectoryText = "parent directory"
	parentLinkShort     = ".."
	parentLinkLong      = "../"
)

var skippedLinkSchemes = []string{"javascript:", "mailto:", "data:", "tel:"}

// extractAnchors applies autoindex style heuristics to every anchor of the page.
func extractAnchors(document *goquery.Document, pageURL *url.URL, directoryPath string) []File {
	if pageURL == nil {
		return nil
	}
	directory := directoryURL(pageURL)
	collector := newEntryCollector()
	document.Find("a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
		file, ok := anchorEntry(anchor, directory, directoryPath)
		if ok {
			collector.add(file)
		}
		return !collector.full()
	})
	return collector.files
}

func anchorEntry(anchor *goquery.Selection, directory *url.URL, directoryPath string) (File, bool) {
	href := strings.TrimSpace(anchor.AttrOr("href", ""))
	if skipHref(href) {
		return File{}, false
	}
	anchorText := strings.TrimSpace(anchor.Text())
	if strings.EqualFold(anchorText, parentDirectoryText) {
		return File{}, false
	}

	reference, err := url.Parse(href)
	if err != nil {
		return File{}, false
	}
	resolved := directory.ResolveReference(reference)
	if !strings.EqualFold(resolved.Host, directory.Host) || (resolved.Scheme != "http" && resolved.Scheme != "https") {
		return File{}, false
	}
	if !strings.HasPrefix(resolved.Path, directory.Path) {
		return File{}, false
	}
	remainder := strings.TrimPrefix(resolved.Path, directory.Path)
	isFolder := strings.HasSuffix(remainder, "/")
	segment := strings.TrimSuffix(remainder, "/")
	if strings.Contains(segment, "/") {
		return File{}, false
	}
	if segment == "" {
		return File{}, false
	}

	name, ok := sanitizeName(segment)
	if !ok {
		return File{}, false
	}

	resolved.RawQuery = ""
	resolved.Fragment = ""
	file := File{
		Name:     name,
		Path:     childPath(directoryPath, name, isFolder),
		URL:      resolved.String(),
		IsFolder: isFolder,
		Size:     UnknownSize,
	}
	applyRowDetails(anchor, &file)
	return file, true
}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "?") {
		return true
	}
	if href == parentLinkShort || href == parentLinkLong {
		return true
	}
	lowered := strings.ToLower(href)
	for _, scheme := range skippedLinkSchemes {
		if strings.HasPrefix(lowered, scheme) {
			return true
		}
	}
	return false
}

// applyRowDetails recovers size and modification time from the surrounding table row, or from
// the text that follows the anchor in <pre> style listings.
func applyRowDetails(anchor *goquery.Selection, file *File) {
	row := anchor.Closest("tr")
	if row.Length() > 0 {
		row.Find("td").Each(func(_ int, cell *goquery.Selection) {
			if cell.Find("a").Length() > 0 {
				return
			}
			applyDetailText(cell.Text(), file)
		})
		return
	}
	for sibling := anchor.Nodes[0].NextSibling; sibling != nil; sibling = sibling.NextSibling {
		if sibling.Type == html.ElementNode {
			if sibling.Data == "a" || sibling.Data == "br" {
				return
			}
			continue
		}
		if sibling.Type != html.TextNode {
			continue
		}
		text := strings.TrimLeft(sibling.Data, " \t")
		if newline := strings.IndexByte(text, '\n'); newline >= 0 {
			text = text[:newline]
		}
		applyTrailingText(text, file)
		return
	}
}

func applyDetailText(text string, file *File) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	if file.ModifiedAt.IsZero() {
		if modifiedAt, ok := parseTimestamp(trimmed); ok {
			file.ModifiedAt = modifiedAt
			return
		}
		if modifiedAt, ok := parseEpochText(trimmed); ok {
			file.ModifiedAt = modifiedAt
			return
		}
	}
	if file.Size == UnknownSize && !file.IsFolder {
		if size, ok := parseSize(trimmed); ok {
			file.Size = size
		}
	}
}

// applyTrailingText handles "17-Mar-2024 10:00    1.2M" as printed by Apache and nginx.
func applyTrailingText(text string, file *File) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	if len(fields) >= 2 {
		if modifiedAt, ok := parseTimestamp(fields[0] + " " + fields[1]); ok {
			file.ModifiedAt = modifiedAt
		}
	}
	if file.ModifiedAt.IsZero() {
		if modifiedAt, ok := parseTimestamp(fields[0]); ok {
			file.ModifiedAt = modifiedAt
		}
	}
	if file.IsFolder || len(fields) < 2 {
		return
	}
	if size, ok := parseSize(fields[len(fields)-1]); ok {
		file.Size = size
	}
}
