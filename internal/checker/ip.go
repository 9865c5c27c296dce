package checker

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	ipLookupPaths = []string{"ipdata.ip", "ipinfo.ip", "ip", "ipAddress", "ip_address", "query", "ipv4", "IPV4", "IP"}
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// extractIP finds the caller's address in a test URL response. JSON bodies are
// searched by path, anything else by the first IPv4 literal.
func extractIP(body []byte, configuredPath string) string {
	var doc any
	if err := json.Unmarshal(body, &doc); err == nil {
		if configuredPath != "" {
			if ip := asIP(lookupPath(doc, configuredPath)); ip != "" {
				return ip
			}
		}
		for _, path := range ipLookupPaths {
			if ip := asIP(lookupPath(doc, path)); ip != "" {
				return ip
			}
		}
		return ""
	}

	for _, match := range ipv4Pattern.FindAll(body, -1) {
		if ip := asIP(string(match)); ip != "" {
			return ip
		}
	}
	return ""
}

// lookupString reads a dotted path as text, for country fields.
func lookupString(body []byte, path string) string {
	if path == "" {
		return ""
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	value := lookupPath(doc, path)
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func lookupPath(doc any, path string) any {
	current := doc
	for _, part := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = object[part]
		if !ok {
			return nil
		}
	}
	return current
}

func asIP(value any) string {
	text, ok := value.(string)
	if !ok {
		return ""
	}
	text = strings.TrimSpace(text)
	if ip := net.ParseIP(text); ip != nil {
		return ip.String()
	}
	return ""
}
