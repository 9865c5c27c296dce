package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"proxybroker/internal/domain"
)

var (
	ErrNotWhitelisted = errors.New("caller ip is not whitelisted by the proxy api")
	ErrRejected       = errors.New("proxy api rejected the request")
)

var (
	hostKeys     = []string{"ip", "host", "addr", "address"}
	portKeys     = []string{"port", "p"}
	usernameKeys = []string{"username", "user", "login"}
	passwordKeys = []string{"password", "pass", "pwd"}
	listKeys     = []string{"data", "Data", "proxies", "result"}
)

// ParseResponse extracts proxies from an API body. JSON documents are tried
// first; anything else is read as host:port[:user:pass] lines. Entries that
// do not form a valid proxy are skipped.
func ParseResponse(body []byte, protocol domain.Protocol) ([]domain.Candidate, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if !json.Valid(trimmed) {
		return parseLines(string(trimmed), protocol), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode proxy api response: %w", err)
	}

	switch v := doc.(type) {
	case map[string]any:
		return parseObject(v, protocol)
	case []any:
		return parseItems(v, protocol), nil
	case string:
		return parseLines(v, protocol), nil
	default:
		return nil, nil
	}
}

func parseObject(doc map[string]any, protocol domain.Protocol) ([]domain.Candidate, error) {
	message := firstString(doc, "msg", "message")
	if strings.Contains(strings.ToLower(message), "whitelist") {
		return nil, fmt.Errorf("%w (request ip %s)", ErrNotWhitelisted, firstString(doc, "request_ip", "ip"))
	}

	if !succeeded(doc) {
		if message == "" {
			message = "unknown error"
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, message)
	}

	for _, key := range listKeys {
		if items, ok := doc[key].([]any); ok && len(items) > 0 {
			return parseItems(items, protocol), nil
		}
	}
	if text, ok := doc["text"].(string); ok {
		return parseLines(text, protocol), nil
	}

	var out []domain.Candidate
	for _, value := range doc {
		items, ok := value.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			if obj, ok := item.(map[string]any); ok && looksLikeProxy(obj) {
				if candidate, ok := candidateFromObject(obj, protocol); ok {
					out = append(out, candidate)
				}
			}
		}
	}
	return out, nil
}

// succeeded reads code/Code == 0 or success == true. Documents carrying none
// of those fields count as successful.
func succeeded(doc map[string]any) bool {
	for _, key := range []string{"code", "Code"} {
		if value, ok := doc[key]; ok {
			return isZero(value)
		}
	}
	if value, ok := doc["success"]; ok {
		flag, isBool := value.(bool)
		return isBool && flag
	}
	return true
}

func isZero(value any) bool {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Float64()
		return err == nil && n == 0
	case string:
		return strings.TrimSpace(v) == "0"
	default:
		return false
	}
}

func parseItems(items []any, protocol domain.Protocol) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			if candidate, ok := candidateFromObject(v, protocol); ok {
				out = append(out, candidate)
			}
		case string:
			out = append(out, parseLines(v, protocol)...)
		}
	}
	return out
}

func parseLines(text string, protocol domain.Protocol) []domain.Candidate {
	var out []domain.Candidate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		candidate, err := domain.NewCandidate(parts[0], port, protocol, domain.SourceAPI)
		if err != nil {
			continue
		}
		if len(parts) >= 4 {
			candidate.Username = parts[2]
			candidate.Password = parts[3]
		}
		out = append(out, candidate)
	}
	return out
}

func looksLikeProxy(obj map[string]any) bool {
	_, hasHost := lookup(obj, hostKeys)
	_, hasPort := lookup(obj, portKeys)
	return hasHost && hasPort
}

func candidateFromObject(obj map[string]any, protocol domain.Protocol) (domain.Candidate, bool) {
	hostValue, ok := lookup(obj, hostKeys)
	if !ok {
		return domain.Candidate{}, false
	}
	portValue, ok := lookup(obj, portKeys)
	if !ok {
		return domain.Candidate{}, false
	}

	host := stringify(hostValue)
	port, err := strconv.Atoi(stringify(portValue))
	if err != nil {
		return domain.Candidate{}, false
	}

	candidate, err := domain.NewCandidate(host, port, protocol, domain.SourceAPI)
	if err != nil {
		return domain.Candidate{}, false
	}
	if value, ok := lookup(obj, usernameKeys); ok {
		candidate.Username = stringify(value)
	}
	if value, ok := lookup(obj, passwordKeys); ok {
		candidate.Password = stringify(value)
	}
	return candidate, true
}

// lookup returns the first non-empty value among keys, compared case-insensitively.
func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if value, ok := obj[key]; ok && stringify(value) != "" {
			return value, true
		}
	}
	for name, value := range obj {
		for _, key := range keys {
			if strings.EqualFold(name, key) && stringify(value) != "" {
				return value, true
			}
		}
	}
	return nil, false
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := obj[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
