package attachment

import (
	"path"
	"strings"
)

// Kind is the routing category of an inbound attachment
type Kind int

const (
	Unsupported Kind = iota
	Image
	Document
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Document:
		return "document"
	default:
		return "unsupported"
	}
}

// Descriptor describes an attachment as received from the chat platform
type Descriptor struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
}

// Kind classifies the descriptor by filename and declared content type
func (d Descriptor) Kind() Kind {
	return Classify(d.Filename, d.ContentType)
}

var imageExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"webp": true,
}

// Formats accepted by the hosted file search index
var documentExtensions = map[string]bool{
	"pdf":  true,
	"txt":  true,
	"md":   true,
	"csv":  true,
	"json": true,
	"docx": true,
	"doc":  true,
	"xlsx": true,
	"xls":  true,
	"pptx": true,
	"py":   true,
	"js":   true,
	"ts":   true,
	"go":   true,
	"html": true,
	"htm":  true,
	"xml":  true,
	"yaml": true,
	"yml":  true,
}

// Classify routes an attachment by its lowercased filename extension. When the
// extension is not recognized, a declared image/* content type still classifies
// as an image.
func Classify(filename, contentType string) Kind {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")

	if imageExtensions[ext] {
		return Image
	}
	if documentExtensions[ext] {
		return Document
	}

	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(mediaType, "image/") {
		return Image
	}
	return Unsupported
}
