package domain

import (
	"time"

	"proxybroker/internal/security"

	"gorm.io/gorm"
)

type ProxyStatus string

const (
	StatusAvailable ProxyStatus = "available"
	StatusInUse     ProxyStatus = "in_use"
	StatusUsed      ProxyStatus = "used"
	StatusFailed    ProxyStatus = "failed"
)

func (s ProxyStatus) Terminal() bool {
	return s == StatusUsed || s == StatusFailed
}

// ProxyRecord is a candidate admitted into a task proxy pool.
type ProxyRecord struct {
	ID       uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Host     string     `gorm:"not null" json:"host"`
	Port     uint16     `gorm:"not null" json:"port"`
	Protocol Protocol   `gorm:"size:10;not null;default:'http'" json:"protocol"`
	Username string     `gorm:"default:''" json:"username,omitempty"`
	Password string     `gorm:"-" json:"password,omitempty"`
	Source   SourceType `gorm:"size:10;not null" json:"source"`
	Country  string     `gorm:"size:56;default:''" json:"country,omitempty"`

	PasswordSealed string `gorm:"column:password;default:''" json:"-"`

	Status        ProxyStatus `gorm:"size:10;not null;default:'available';index:idx_task_proxies_status" json:"status"`
	AcquiredAt    *time.Time  `json:"acquired_at,omitempty"`
	LastCheckedAt *time.Time  `json:"last_checked_at,omitempty"`

	Hash      []byte    `gorm:"type:bytea;uniqueIndex;size:32" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProxyRecord) TableName() string {
	return "task_proxies"
}

func NewProxyRecord(candidate Candidate) ProxyRecord {
	protocol := candidate.Protocol
	if protocol == "" {
		protocol = ProtocolHTTP
	}
	return ProxyRecord{
		Host:     candidate.Host,
		Port:     candidate.Port,
		Protocol: protocol,
		Username: candidate.Username,
		Password: candidate.Password,
		Source:   candidate.Source,
		Country:  candidate.Country,
		Status:   StatusAvailable,
		Hash:     candidate.Key(),
	}
}

func (record ProxyRecord) Candidate() Candidate {
	return Candidate{
		Host:     record.Host,
		Port:     record.Port,
		Protocol: record.Protocol,
		Username: record.Username,
		Password: record.Password,
		Source:   record.Source,
		Country:  record.Country,
	}
}

func (record *ProxyRecord) BeforeSave(_ *gorm.DB) error {
	if len(record.Hash) == 0 {
		record.Hash = record.Candidate().Key()
	}

	sealed, err := security.DefaultSealer().Seal(record.Password)
	if err != nil {
		return err
	}
	record.PasswordSealed = sealed
	return nil
}

func (record *ProxyRecord) AfterFind(_ *gorm.DB) error {
	plain, err := security.DefaultSealer().Open(record.PasswordSealed)
	if err != nil {
		return err
	}
	record.Password = plain
	return nil
}

// PoolStats is derived from record statuses on every call.
type PoolStats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	InUse     int64 `json:"in_use"`
	Used      int64 `json:"used"`
	Failed    int64 `json:"failed"`
}

func (s *PoolStats) Add(status ProxyStatus, count int64) {
	switch status {
	case StatusAvailable:
		s.Available += count
	case StatusInUse:
		s.InUse += count
	case StatusUsed:
		s.Used += count
	case StatusFailed:
		s.Failed += count
	default:
		return
	}
	s.Total += count
}
