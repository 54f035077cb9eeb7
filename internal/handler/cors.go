package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const allowedMethods = "GET,POST,PUT,PATCH,DELETE,OPTIONS"

// applyCORS echoes origin with credentials, or allows any origin without
// them. A wildcard origin must never be combined with credentials.
func applyCORS(h http.Header, origin string) {
	if origin == "" {
		h.Set(echo.HeaderAccessControlAllowOrigin, "*")
		h.Del(echo.HeaderAccessControlAllowCredentials)
		return
	}
	h.Set(echo.HeaderAccessControlAllowOrigin, origin)
	h.Set(echo.HeaderAccessControlAllowCredentials, "true")
	addVary(h, echo.HeaderOrigin)
}

// addVary appends value to Vary unless it is already listed.
func addVary(h http.Header, value string) {
	for _, line := range h.Values(echo.HeaderVary) {
		for v := range strings.SplitSeq(line, ",") {
			if strings.EqualFold(strings.TrimSpace(v), value) {
				return
			}
		}
	}
	h.Add(echo.HeaderVary, value)
}
