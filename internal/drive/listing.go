// Package drive fetches Drive listings from the upstream worker and turns whatever the
// worker returns (a JSON API response or an HTML directory page) into a structured Listing.
package drive

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Source names the strategy that produced a listing.
type Source string

const (
	SourceAPI          Source = "api"
	SourceEmbeddedJSON Source = "embedded_json"
	SourceAnchors      Source = "anchors"
	SourceEmpty        Source = "empty"

	// UnknownSize marks entries whose size could not be recovered.
	UnknownSize int64 = -1

	maxListingEntries = 5000
	maxNameBytes      = 255
)

var (
	// ErrInvalidPath reports a Drive path that cannot be proxied.
	ErrInvalidPath = errors.New("invalid_drive_path")
)

// File is one entry of a Drive listing.
type File struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	URL        string    `json:"-"`
	IsFolder   bool      `json:"is_folder"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
}

// Listing is the content of one Drive directory. Files is never nil.
type Listing struct {
	Path      string    `json:"path"`
	Source    Source    `json:"source"`
	Files     []File    `json:"files"`
	FetchedAt time.Time `json:"fetched_at"`
}

func newListing(directoryPath string, source Source, files []File) Listing {
	if files == nil {
		files = []File{}
	}
	sortFiles(files)
	return Listing{
		Path:   directoryPath,
		Source: source,
		Files:  files,
	}
}

func emptyListing(directoryPath string) Listing {
	return newListing(directoryPath, SourceEmpty, nil)
}

// rebase rewrites entry paths so they hang off the given Drive directory.
func (listing Listing) rebase(directoryPath string) Listing {
	rebased := listing
	rebased.Path = directoryPath
	rebased.Files = make([]File, len(listing.Files))
	for index, file := range listing.Files {
		file.Path = childPath(directoryPath, file.Name, file.IsFolder)
		rebased.Files[index] = file
	}
	return rebased
}

func (listing Listing) clone() Listing {
	cloned := listing
	cloned.Files = make([]File, len(listing.Files))
	copy(cloned.Files, listing.Files)
	return cloned
}

func sortFiles(files []File) {
	sort.SliceStable(files, func(left, right int) bool {
		if files[left].IsFolder != files[right].IsFolder {
			return files[left].IsFolder
		}
		leftName := strings.ToLower(files[left].Name)
		rightName := strings.ToLower(files[right].Name)
		if leftName != rightName {
			return leftName < rightName
		}
		return files[left].Name < files[right].Name
	})
}

func childPath(directoryPath string, name string, isFolder bool) string {
	child := strings.TrimSuffix(directoryPath, "/") + "/" + name
	if isFolder {
		child += "/"
	}
	return child
}

// sanitizeName strips control characters and caps the length. It returns false for names
// that cannot identify a direct child of a directory.
func sanitizeName(raw string) (string, bool) {
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "")
	}
	cleaned := strings.Map(func(character rune) rune {
		if unicode.IsControl(character) {
			return -1
		}
		return character
	}, raw)
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = strings.TrimSpace(cleaned[:cut])
	}
	switch {
	case cleaned == "", cleaned == ".", cleaned == "..":
		return "", false
	case strings.ContainsAny(cleaned, "/\\"):
		return "", false
	}
	return cleaned, true
}

// entryCollector deduplicates entries and enforces the per-listing cap.
type entryCollector struct {
	files []File
	seen  map[string]struct{}
}

func newEntryCollector() *entryCollector {
	return &entryCollector{seen: make(map[string]struct{})}
}

func (collector *entryCollector) full() bool {
	return len(collector.files) >= maxListingEntries
}

func (collector *entryCollector) add(file File) bool {
	if collector.full() {
		return false
	}
	key := file.URL
	if key == "" {
		key = file.Name
	}
	if file.IsFolder {
		key = strings.TrimSuffix(key, "/") + "/"
	}
	if _, exists := collector.seen[key]; exists {
		return false
	}
	collector.seen[key] = struct{}{}
	collector.files = append(collector.files, file)
	return true
}

// NormalizeDirectoryPath returns a rooted, slash-terminated Drive directory path.
func NormalizeDirectoryPath(raw string) (string, error) {
	cleaned, err := cleanDrivePath(raw)
	if err != nil {
		return "", err
	}
	if cleaned == "/" {
		return cleaned, nil
	}
	return cleaned + "/", nil
}

// NormalizeFilePath returns a rooted Drive file path without a trailing slash.
func NormalizeFilePath(raw string) (string, error) {
	cleaned, err := cleanDrivePath(raw)
	if err != nil {
		return "", err
	}
	if cleaned == "/" {
		return "", fmt.Errorf("%w: root is not a file", ErrInvalidPath)
	}
	return cleaned, nil
}

func cleanDrivePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.ContainsAny(trimmed, "\x00\\") {
		return "", fmt.Errorf("%w: forbidden character", ErrInvalidPath)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: parent segment", ErrInvalidPath)
		}
	}
	return path.Clean("/" + trimmed), nil
}
