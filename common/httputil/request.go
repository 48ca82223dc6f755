package httputil

import (
	"net/http"
	"strconv"
	"strings"
)

// GetClientIP extracts the client IP address from the request. Precedence:
//
//  1. X-Forwarded-For (first entry)
//  2. X-Real-IP
//  3. RemoteAddr
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// ParseIntParam parses an integer query parameter with a default value.
// Returns defaultVal if the parameter is empty or invalid.
//
//	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 50)
func ParseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultVal
}

// ParseBoolParam parses a boolean query parameter, accepting the forms
// strconv.ParseBool does. Returns defaultVal if empty or invalid.
func ParseBoolParam(s string, defaultVal bool) bool {
	if s == "" {
		return defaultVal
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return defaultVal
}
