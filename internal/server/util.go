package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

type errorResp struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

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

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, kind, msg, diagnostics string) {
	writeJSON(c, code, errorResp{Error: msg, Kind: kind, Diagnostics: diagnostics})
}
