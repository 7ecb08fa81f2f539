package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxIDLen = 128

// basePath normalizes a mount prefix to "" or "/a/b".
func basePath(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// validID checks a caller chosen pod or database name. Names end up in
// logbook process ids and on-disk directories under the engine roots.
func validID(s string) error {
	switch {
	case s == "":
		return errors.New("empty id")
	case len(s) > maxIDLen:
		return fmt.Errorf("id longer than %d bytes", maxIDLen)
	case strings.Contains(s, ".."):
		return errors.New("id must not contain \"..\"")
	}
	for i, r := range s {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum || (i > 0 && (r == '.' || r == '_' || r == '-')) {
			continue
		}
		return fmt.Errorf("invalid id %q: allowed [A-Za-z0-9._-], starting with a letter or digit", s)
	}
	return nil
}

// bind decodes a JSON body into v. An empty body is accepted when optional.
func bind(c *gin.Context, v any, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

func reply(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func fail(c *gin.Context, code int, err error) {
	reply(c, code, errorResp{Error: err.Error()})
}
