package drive

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ParseListing extracts the directory entries of a worker HTML page. Embedded JSON in script
// elements takes precedence over anchor heuristics; a page yielding neither produces an empty
// listing. Malformed input never fails, it only degrades to the next strategy.
func ParseListing(document []byte, pageURL *url.URL) Listing {
	directoryPath := "/"
	if pageURL != nil {
		directoryPath = directoryURL(pageURL).Path
	}

	root, parseErr := html.Parse(bytes.NewReader(document))
	if parseErr != nil || root == nil {
		return emptyListing(directoryPath)
	}
	parsed := goquery.NewDocumentFromNode(root)

	if files := extractEmbeddedJSON(parsed, pageURL, directoryPath); len(files) > 0 {
		return newListing(directoryPath, SourceEmbeddedJSON, files)
	}
	if files := extractAnchors(parsed, pageURL, directoryPath); len(files) > 0 {
		return newListing(directoryPath, SourceAnchors, files)
	}
	return emptyListing(directoryPath)
}

// directoryURL returns a copy of the page URL reduced to its directory, without query or fragment.
func directoryURL(pageURL *url.URL) *url.URL {
	directory := *pageURL
	directory.RawQuery = ""
	directory.ForceQuery = false
	directory.Fragment = ""
	directory.RawFragment = ""
	directory.User = nil
	if directory.Path == "" {
		directory.Path = "/"
	}
	if !strings.HasSuffix(directory.Path, "/") {
		directory.Path += "/"
	}
	directory.RawPath = ""
	return &directory
}
