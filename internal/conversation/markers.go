package conversation

import (
	"encoding/base64"
	"regexp"
	"strings"
)

const markerPrefix = "FILE_DOWNLOAD:"

// A marker is FILE_DOWNLOAD:<filename>:<base64>. The filename runs to the next colon and
// may contain spaces; the payload stops at its padding or at the first non-base64 byte.
var markerPattern = regexp.MustCompile(`FILE_DOWNLOAD:([^:\n]+):([A-Za-z0-9+/]*={0,2})`)

// File is a binary payload to deliver as a chat attachment
type File struct {
	Name string
	Data []byte
}

// EncodeMarker renders data as a FILE_DOWNLOAD marker
func EncodeMarker(name string, data []byte) string {
	return markerPrefix + name + ":" + base64.StdEncoding.EncodeToString(data)
}

// ExtractMarkers removes every marker from text and returns the cleaned text with the
// decoded files in order of appearance. Markers whose payload is not valid base64
// are removed without producing a file.
func ExtractMarkers(text string) (string, []File) {
	if !strings.Contains(text, markerPrefix) {
		return text, nil
	}

	var files []File
	var cleaned strings.Builder
	last := 0

	for _, loc := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[loc[2]:loc[3]])
		payload, rest := splitPayload(text[loc[4]:loc[5]])

		cleaned.WriteString(text[last:loc[0]])
		cleaned.WriteString(rest)
		last = loc[1]

		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil || name == "" {
			continue
		}
		files = append(files, File{Name: name, Data: data})
	}
	cleaned.WriteString(text[last:])

	return strings.TrimSpace(cleaned.String()), files
}

// splitPayload keeps the longest run of whole base64 quanta and hands the remainder back
// to the visible text. A run with no whole quantum is dropped entirely as undecodable.
func splitPayload(run string) (payload, rest string) {
	if strings.HasSuffix(run, "=") {
		return run, ""
	}
	n := len(run) - len(run)%4
	if n == 0 {
		return run, ""
	}
	return run[:n], run[n:]
}
