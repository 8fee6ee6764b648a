package expense

import (
	"net/http"
	"path/filepath"
	"strings"
)

// MaxImageSize is the largest receipt payload accepted for upload
const MaxImageSize = 20 << 20

// DetectContentType picks a MIME type for a receipt from its extension,
// falling back to sniffing the data. Phone formats are preserved so the
// server side can convert them.
func DetectContentType(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(data)
}

// SupportedContentType reports whether a receipt of this type can be read
func SupportedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/heic", "image/heif", "application/pdf":
		return true
	}
	return false
}
