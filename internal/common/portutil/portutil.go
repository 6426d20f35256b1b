// Package portutil provides TCP port allocation and command placeholder
// expansion for node processes that need a free local port.
package portutil

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Regex matches $PORT, ${PORT}, $API_PORT, ${API_PORT}, etc.
// Pattern: $VAR or ${VAR} where VAR contains PORT (with optional prefix/suffix)
var placeholderRegex = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// ExpandPortPlaceholders detects port placeholders in a node command string,
// allocates a port for each unique placeholder, and returns the expanded
// command plus an environment variable map for the node process.
//
// Supports both $PORT and ${PORT} syntax. Multiple occurrences of the same
// placeholder resolve to the same port.
//
// Examples:
//
//	Input:  "npm run dev -- --port $PORT"
//	Output: "npm run dev -- --port 54321", {"PORT": "54321"}
//
//	Input:  "vite --port ${PORT}"
//	Output: "vite --port 54321", {"PORT": "54321"}
//
//	Input:  "npm run dev" (no placeholder)
//	Output: "npm run dev", {}
func ExpandPortPlaceholders(command string) (string, map[string]string, error) {
	uniquePlaceholders := findUniquePlaceholders(command)

	if len(uniquePlaceholders) == 0 {
		// No placeholders found, return unchanged
		return command, make(map[string]string), nil
	}

	// Allocate a port for each unique placeholder
	portEnv := make(map[string]string)
	for _, placeholder := range uniquePlaceholders {
		port, err := AllocatePort()
		if err != nil {
			return "", nil, fmt.Errorf("failed to allocate port for %s: %w", placeholder, err)
		}
		portEnv[placeholder] = strconv.Itoa(port)
	}

	// Replace both ${VAR} and $VAR forms, braced first so the bare
	// replacement never corrupts a braced occurrence.
	expanded := command
	for placeholder, portStr := range portEnv {
		expanded = strings.ReplaceAll(expanded, "${"+placeholder+"}", portStr)
		expanded = strings.ReplaceAll(expanded, "$"+placeholder, portStr)
	}

	return expanded, portEnv, nil
}

// findUniquePlaceholders extracts unique placeholder names from a command string.
// Returns placeholder names without the $ or ${} prefix/suffix.
func findUniquePlaceholders(command string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(command, -1)

	if len(matches) == 0 {
		return []string{}
	}

	uniqueMap := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueMap[match[1]] = true
		}
	}

	result := make([]string, 0, len(uniqueMap))
	for placeholder := range uniqueMap {
		result = append(result, placeholder)
	}

	return result
}
