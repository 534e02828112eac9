package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount prefix to "" or "/prefix" without a
// trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeName accepts names usable directly in file names and labels:
// [A-Za-z0-9._-], non-empty, and never containing "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// isSafeAbsPath accepts the empty string or an absolute path whose cleaning
// is a no-op (modulo one trailing separator), so ".." segments from request
// payloads never reach the filesystem.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean == p || clean+string(filepath.Separator) == p
}

// writeJSON responds with a bare application/json content type; gin's
// c.JSON would append a charset parameter.
func writeJSON(c *gin.Context, code int, v any) {
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
