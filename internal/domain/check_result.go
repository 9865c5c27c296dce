package domain

import "time"

// CheckResult is the outcome of one reachability check. Exactly one of IP or
// Error is meaningful depending on Success.
type CheckResult struct {
	Success      bool          `json:"success"`
	IP           string        `json:"ip,omitempty"`
	Error        string        `json:"error,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	TestURL      string        `json:"test_url,omitempty"`
	Country      string        `json:"country,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

func FailedCheck(reason string) CheckResult {
	return CheckResult{Error: reason, CheckedAt: time.Now()}
}

func (r CheckResult) Payload() map[string]string {
	if r.Success {
		return map[string]string{"ip": r.IP}
	}
	return map[string]string{"error": r.Error}
}
