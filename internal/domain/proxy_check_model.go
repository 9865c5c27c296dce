package domain

import "time"

// ProxyCheck is one row of check history.
type ProxyCheck struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement"`
	Source       SourceType `gorm:"size:10;not null;index"`
	Address      string     `gorm:"size:270;not null"`
	Protocol     Protocol   `gorm:"size:10"`
	Success      bool       `gorm:"not null"`
	IP           string     `gorm:"size:45"`
	Error        string     `gorm:"size:255"`
	ResponseTime uint32     `gorm:"not null"`
	TestURL      string     `gorm:"size:255"`
	Country      string     `gorm:"size:56"`
	CheckedAt    time.Time  `gorm:"index"`
}

func NewProxyCheck(candidate *Candidate, source SourceType, result CheckResult) ProxyCheck {
	check := ProxyCheck{
		Source:       source,
		Address:      "direct",
		Success:      result.Success,
		IP:           result.IP,
		Error:        truncate(result.Error, 255),
		ResponseTime: uint32(result.ResponseTime.Milliseconds()),
		TestURL:      truncate(result.TestURL, 255),
		Country:      result.Country,
		CheckedAt:    result.CheckedAt,
	}
	if candidate != nil {
		check.Address = candidate.Address()
		check.Protocol = candidate.Protocol
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now()
	}
	return check
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}
