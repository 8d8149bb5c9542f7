package drive

import (
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxJSONCandidateBytes     = 4 << 20
	maxJSONSearchDepth        = 16
	maxCandidatesPerScript    = 32
	maxBracketNesting         = 512
	jsonParseCallMarker       = "JSON.parse("
	scriptTypeAttribute       = "type"
	googleFolderMimeType      = "application/vnd.google-apps.folder"
	directoryMimeTypeFragment = "directory"
)

var (
	jsonScriptTypes = map[string]struct{}{
		"application/json":    {},
		"application/ld+json": {},
	}

	entryNameKeys     = []string{"name", "title", "filename", "fileName", "file_name", "displayName"}
	entryHintKeys     = []string{"mimeType", "mime_type", "size", "type", "isFolder", "is_folder", "is_dir", "isDir", "modifiedTime", "href", "url", "path", "id"}
	entrySizeKeys     = []string{"size", "fileSize", "file_size", "bytes", "length"}
	entryMimeTypeKeys = []string{"mimeType", "mime_type", "mime", "contentType", "content_type"}
	entryTimeKeys     = []string{"modifiedTime", "modified_time", "modified", "mtime", "updatedAt", "updated_at", "lastModified", "last_modified", "date"}
	entryLinkKeys     = []string{"href", "url", "link", "path"}
	entryFolderKeys   = []string{"isFolder", "is_folder", "is_dir", "isDir", "folder", "directory"}
	folderTypeValues  = map[string]struct{}{"folder": {}, "dir": {}, "directory": {}}

	preferredContainerKeys = []string{"files", "items", "entries", "children", "data", "list", "contents", "result"}
)

// extractEmbeddedJSON returns the entries of the first script that yields at least one valid entry.
func extractEmbeddedJSON(document *goquery.Document, pageURL *url.URL, directoryPath string) []File {
	var files []File
	document.Find("script").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		for _, candidate := range scriptCandidates(script) {
			if len(candidate) > maxJSONCandidateBytes {
				continue
			}
			decoded, ok := decodeCandidate(candidate)
			if !ok {
				continue
			}
			entries := findEntryArray(decoded, 0)
			if len(entries) == 0 {
				continue
			}
			collected := convertEntries(entries, pageURL, directoryPath)
			if len(collected) > 0 {
				files = collected
				return false
			}
		}
		return true
	})
	return files
}

func scriptCandidates(script *goquery.Selection) []string {
	text := script.Text()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	scriptType := strings.ToLower(strings.TrimSpace(script.AttrOr(scriptTypeAttribute, "")))
	if separator := strings.IndexByte(scriptType, ';'); separator >= 0 {
		scriptType = strings.TrimSpace(scriptType[:separator])
	}
	if _, isJSON := jsonScriptTypes[scriptType]; isJSON {
		return []string{text}
	}
	if scriptType != "" && !strings.Contains(scriptType, "javascript") && scriptType != "module" {
		return nil
	}
	return scriptLiteralCandidates(text)
}

// scriptLiteralCandidates cuts out object and array literals that follow an assignment or
// open a call argument, plus string arguments of JSON.parse calls.
func scriptLiteralCandidates(script string) []string {
	if len(script) > maxJSONCandidateBytes {
		script = script[:maxJSONCandidateBytes]
	}
	candidates := make([]string, 0, 4)
	var previous byte
	index := 0
	for index < len(script) && len(candidates) < maxCandidatesPerScript {
		character := script[index]
		switch {
		case character == '/' && index+1 < len(script) && script[index+1] == '/':
			index = skipLineComment(script, index)
			continue
		case character == '/' && index+1 < len(script) && script[index+1] == '*':
			index = skipBlockComment(script, index)
			continue
		case character == '/' && regexMayStart(previous):
			if literalEnd, ok := scanRegexLiteral(script, index); ok {
				previous = character
				index = literalEnd + 1
				continue
			}
		case character == '"' || character == '\'' || character == '`':
			literalEnd, ok := scanStringLiteral(script, index)
			if !ok {
				index = skipLineComment(script, index)
				previous = 0
				continue
			}
			if previous == '(' && strings.HasSuffix(strings.TrimRight(script[:index], " \t\r\n"), jsonParseCallMarker) {
				if unquoted, unquoteOK := unquoteScriptString(script[index : literalEnd+1]); unquoteOK {
					candidates = append(candidates, unquoted)
				}
			}
			previous = character
			index = literalEnd + 1
			continue
		case character == '{' || character == '[':
			if isCandidateLead(previous, script, index) {
				end, ok := matchBracket(script, index)
				if ok {
					candidates = append(candidates, script[index:end+1])
				}
			}
		}
		if !isSpace(character) {
			previous = character
		}
		index++
	}
	return candidates
}

func isCandidateLead(previous byte, script string, index int) bool {
	switch previous {
	case '(', ',', ':':
		return true
	case '=':
		// Comparisons such as == and <= do not open a literal.
		before := strings.TrimRight(script[:index], " \t\r\n")
		if len(before) >= 2 {
			operator := before[len(before)-2]
			if operator == '=' || operator == '!' || operator == '<' || operator == '>' {
				return false
			}
		}
		return true
	}
	return false
}

// matchBracket returns the index of the bracket closing the one at start. String literals
// (double, single and backtick quoted) are skipped with their escapes.
func matchBracket(text string, start int) (int, bool) {
	expected := make([]byte, 0, 16)
	for index := start; index < len(text); index++ {
		character := text[index]
		switch character {
		case '{':
			expected = append(expected, '}')
		case '[':
			expected = append(expected, ']')
		case '}', ']':
			if len(expected) == 0 || expected[len(expected)-1] != character {
				return 0, false
			}
			expected = expected[:len(expected)-1]
			if len(expected) == 0 {
				return index, true
			}
		case '"', '\'', '`':
			literalEnd, ok := scanStringLiteral(text, index)
			if !ok {
				return 0, false
			}
			index = literalEnd
		}
		if len(expected) > maxBracketNesting {
			return 0, false
		}
	}
	return 0, false
}

// scanStringLiteral returns the index of the quote that closes the literal opened at start.
func scanStringLiteral(text string, start int) (int, bool) {
	quote := text[start]
	for index := start + 1; index < len(text); index++ {
		switch text[index] {
		case '\\':
			index++
		case quote:
			return index, true
		case '\n':
			if quote != '`' {
				return 0, false
			}
		}
	}
	return 0, false
}

// regexMayStart reports whether a slash after previous opens a regex literal rather than a division.
func regexMayStart(previous byte) bool {
	return previous == 0 || strings.IndexByte("(,=:[!&|?{};+-*%<>~^", previous) >= 0
}

// scanRegexLiteral returns the index of the slash closing the regex literal opened at start.
// Slashes inside character classes and escaped slashes do not close it.
func scanRegexLiteral(text string, start int) (int, bool) {
	inClass := false
	for index := start + 1; index < len(text); index++ {
		switch text[index] {
		case '\\':
			index++
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '/':
			if !inClass {
				return index, true
			}
		case '\n':
			return 0, false
		}
	}
	return 0, false
}

func skipLineComment(text string, start int) int {
	if newline := strings.IndexByte(text[start:], '\n'); newline >= 0 {
		return start + newline + 1
	}
	return len(text)
}

func skipBlockComment(text string, start int) int {
	if end := strings.Index(text[start+2:], "*/"); end >= 0 {
		return start + 2 + end + 2
	}
	return len(text)
}

func isSpace(character byte) bool {
	return character == ' ' || character == '\t' || character == '\n' || character == '\r'
}

// unquoteScriptString decodes a single, double or backtick quoted script string literal.
func unquoteScriptString(literal string) (string, bool) {
	if len(literal) < 2 {
		return "", false
	}
	body := literal[1 : len(literal)-1]
	var builder strings.Builder
	builder.Grow(len(body))
	for index := 0; index < len(body); index++ {
		character := body[index]
		if character != '\\' {
			builder.WriteByte(character)
			continue
		}
		index++
		if index >= len(body) {
			return "", false
		}
		switch escaped := body[index]; escaped {
		case 'n':
			builder.WriteByte('\n')
		case 't':
			builder.WriteByte('\t')
		case 'r':
			builder.WriteByte('\r')
		case 'b':
			builder.WriteByte('\b')
		case 'f':
			builder.WriteByte('\f')
		case 'u':
			if index+4 >= len(body) {
				return "", false
			}
			code, err := strconv.ParseUint(body[index+1:index+5], 16, 32)
			if err != nil {
				return "", false
			}
			builder.WriteRune(rune(code))
			index += 4
		case 'x':
			if index+2 >= len(body) {
				return "", false
			}
			code, err := strconv.ParseUint(body[index+1:index+3], 16, 8)
			if err != nil {
				return "", false
			}
			builder.WriteRune(rune(code))
			index += 2
		default:
			builder.WriteByte(escaped)
		}
	}
	return builder.String(), true
}

func decodeCandidate(candidate string) (any, bool) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	if !utf8.ValidString(trimmed) {
		return nil, false
	}
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// findEntryArray searches depth first for the first array whose objects look like file entries.
func findEntryArray(value any, depth int) []map[string]any {
	if depth > maxJSONSearchDepth {
		return nil
	}
	switch typed := value.(type) {
	case []any:
		entries := make([]map[string]any, 0, len(typed))
		for _, element := range typed {
			if object, isObject := element.(map[string]any); isObject && looksLikeEntry(object) {
				entries = append(entries, object)
			}
		}
		if len(entries) > 0 && len(entries)*2 >= len(typed) {
			return entries
		}
		for _, element := range typed {
			if found := findEntryArray(element, depth+1); len(found) > 0 {
				return found
			}
		}
	case map[string]any:
		for _, key := range orderedKeys(typed) {
			if found := findEntryArray(typed[key], depth+1); len(found) > 0 {
				return found
			}
		}
	}
	return nil
}

func orderedKeys(object map[string]any) []string {
	keys := make([]string, 0, len(object))
	preferred := make(map[string]struct{}, len(preferredContainerKeys))
	for _, key := range preferredContainerKeys {
		if _, exists := object[key]; exists {
			keys = append(keys, key)
			preferred[key] = struct{}{}
		}
	}
	remaining := make([]string, 0, len(object))
	for key := range object {
		if _, seen := preferred[key]; !seen {
			remaining = append(remaining, key)
		}
	}
	sort.Strings(remaining)
	return append(keys, remaining...)
}

func looksLikeEntry(object map[string]any) bool {
	if _, ok := firstString(object, entryNameKeys); !ok {
		return false
	}
	for _, key := range entryHintKeys {
		if _, exists := object[key]; exists {
			return true
		}
	}
	return false
}

// convertEntries turns decoded objects into files, dropping the ones without a usable name.
func convertEntries(entries []map[string]any, pageURL *url.URL, directoryPath string) []File {
	collector := newEntryCollector()
	for _, entry := range entries {
		if collector.full() {
			break
		}
		file, ok := convertEntry(entry, pageURL, directoryPath)
		if !ok {
			continue
		}
		collector.add(file)
	}
	return collector.files
}

func convertEntry(entry map[string]any, pageURL *url.URL, directoryPath string) (File, bool) {
	rawName, _ := firstString(entry, entryNameKeys)
	name, ok := sanitizeName(rawName)
	if !ok {
		return File{}, false
	}
	link, _ := firstString(entry, entryLinkKeys)
	mimeType, _ := firstString(entry, entryMimeTypeKeys)

	file := File{
		Name:     name,
		Size:     UnknownSize,
		MimeType: strings.TrimSpace(mimeType),
		IsFolder: entryIsFolder(entry, mimeType, link),
	}
	if size, sizeOK := entrySize(entry); sizeOK && !file.IsFolder {
		file.Size = size
	}
	if modifiedAt, timeOK := entryModifiedAt(entry); timeOK {
		file.ModifiedAt = modifiedAt
	}
	file.Path = childPath(directoryPath, name, file.IsFolder)
	file.URL = entryURL(pageURL, name, file.IsFolder)
	return file, true
}

func entryIsFolder(entry map[string]any, mimeType string, link string) bool {
	for _, key := range entryFolderKeys {
		switch flag := entry[key].(type) {
		case bool:
			if flag {
				return true
			}
		case string:
			if parsed, err := strconv.ParseBool(flag); err == nil && parsed {
				return true
			}
		}
	}
	if entryType, ok := entry["type"].(string); ok {
		if _, isFolderType := folderTypeValues[strings.ToLower(strings.TrimSpace(entryType))]; isFolderType {
			return true
		}
	}
	normalizedMimeType := strings.ToLower(strings.TrimSpace(mimeType))
	if normalizedMimeType == googleFolderMimeType || strings.Contains(normalizedMimeType, directoryMimeTypeFragment) {
		return true
	}
	return link != "" && strings.HasSuffix(link, "/")
}

func entrySize(entry map[string]any) (int64, bool) {
	for _, key := range entrySizeKeys {
		switch value := entry[key].(type) {
		case json.Number:
			if parsed, err := value.Int64(); err == nil && parsed >= 0 {
				return parsed, true
			}
			if parsed, err := value.Float64(); err == nil && parsed >= 0 {
				return int64(parsed), true
			}
		case string:
			if parsed, ok := parseSize(value); ok {
				return parsed, true
			}
		}
	}
	return 0, false
}

func entryModifiedAt(entry map[string]any) (time.Time, bool) {
	for _, key := range entryTimeKeys {
		switch value := entry[key].(type) {
		case json.Number:
			if parsed, err := value.Float64(); err == nil {
				if instant, epochOK := parseEpoch(parsed); epochOK {
					return instant, true
				}
			}
		case string:
			if instant, parseOK := parseTimestamp(value); parseOK {
				return instant, true
			}
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				if instant, epochOK := parseEpoch(parsed); epochOK {
					return instant, true
				}
			}
		}
	}
	return time.Time{}, false
}

// entryURL derives the worker URL of an entry from the directory URL and the entry name.
func entryURL(pageURL *url.URL, name string, isFolder bool) string {
	if pageURL == nil {
		return ""
	}
	resolved := directoryURL(pageURL)
	resolved.Path += name
	if isFolder {
		resolved.Path += "/"
	}
	resolved.RawPath = ""
	return resolved.String()
}

func firstString(object map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if value, ok := object[key].(string); ok && strings.TrimSpace(value) != "" {
			return value, true
		}
	}
	return "", false
}
