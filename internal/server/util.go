package server

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appvisor/internal/descriptor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// checkPaths keeps descriptors posted over HTTP from naming traversal paths.
// cwd is required so that relative log files stay under it.
func checkPaths(d *descriptor.Descriptor) error {
	if !isSafeName(d.Name) {
		return errors.New("invalid name: allowed [A-Za-z0-9._-] and no '..'")
	}
	if d.Cwd == "" || !isSafeAbsPath(d.Cwd) {
		return errors.New("invalid cwd: must be an absolute path without traversal")
	}
	for _, f := range []struct{ field, path string }{
		{"log_file", d.LogFile}, {"out_file", d.OutFile}, {"error_file", d.ErrorFile},
	} {
		ok := isSafeRelPath(f.path)
		if filepath.IsAbs(f.path) {
			ok = isSafeAbsPath(f.path)
		}
		if !ok {
			return errors.New("invalid " + f.field + ": path traversal")
		}
	}
	return nil
}

// isSafeName accepts [A-Za-z0-9._-] without "..", since app names end up in
// instance ids and default log file names.
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// isSafeAbsPath accepts "" or an absolute path that is already clean apart
// from trailing separators.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

// isSafeRelPath rejects relative paths that climb out of their base.
func isSafeRelPath(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
