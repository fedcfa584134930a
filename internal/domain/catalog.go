package domain

import (
	"path/filepath"
	"slices"
	"strings"
)

const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
)

var extensionsByMime = map[string][]string{
	MimePDF:  {".pdf"},
	MimeJPEG: {".jpg", ".jpeg"},
	MimePNG:  {".png"},
}

// CatalogEntry describes one document type. Entries are owned outside this system.
type CatalogEntry struct {
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Mandatory      bool     `json:"mandatory"`
	AllowedFormats []string `json:"allowed_formats"`
	MaxSizeBytes   int64    `json:"max_size_bytes"`
	ValidityDays   int      `json:"validity_days,omitempty"`
	Active         bool     `json:"active"`
	Order          int      `json:"order"`
}

// AllowsFormat reports whether mime is one of the allowed formats.
func (c CatalogEntry) AllowsFormat(mime string) bool {
	return slices.Contains(c.AllowedFormats, strings.ToLower(mime))
}

// ExtensionMatches reports whether fileName's extension agrees with the declared mime type.
// Unknown mime types never match.
func ExtensionMatches(fileName, mime string) bool {
	exts, ok := extensionsByMime[strings.ToLower(mime)]
	if !ok {
		return false
	}
	return slices.Contains(exts, strings.ToLower(filepath.Ext(fileName)))
}
