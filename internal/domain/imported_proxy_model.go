package domain

import (
	"time"

	"proxybroker/internal/security"

	"gorm.io/gorm"
)

type ImportedStatus string

const (
	ImportedUnused ImportedStatus = "unused"
	ImportedUsed   ImportedStatus = "used"
)

// ImportedProxy is an entry of the user-maintained import pool that backs
// the "pool" source.
type ImportedProxy struct {
	ID       uint64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Protocol Protocol `gorm:"size:10;not null;default:'http'" json:"protocol"`
	Host     string   `gorm:"not null" json:"host"`
	Port     uint16   `gorm:"not null" json:"port"`
	Username string   `gorm:"default:''" json:"username,omitempty"`
	Password string   `gorm:"-" json:"password,omitempty"`
	Country  string   `gorm:"size:56;not null;default:'OTHER'" json:"country"`

	PasswordSealed string `gorm:"column:password;default:''" json:"-"`

	Status    ImportedStatus `gorm:"size:10;not null;default:'unused';index" json:"status"`
	Hash      []byte         `gorm:"type:bytea;uniqueIndex;size:32" json:"-"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (proxy ImportedProxy) Candidate() Candidate {
	return Candidate{
		Host:     proxy.Host,
		Port:     proxy.Port,
		Protocol: proxy.Protocol,
		Username: proxy.Username,
		Password: proxy.Password,
		Source:   SourcePool,
		Country:  proxy.Country,
	}
}

func (proxy *ImportedProxy) BeforeSave(_ *gorm.DB) error {
	if proxy.Country == "" {
		proxy.Country = "OTHER"
	}
	if len(proxy.Hash) == 0 {
		proxy.Hash = proxy.Candidate().Key()
	}

	sealed, err := security.DefaultSealer().Seal(proxy.Password)
	if err != nil {
		return err
	}
	proxy.PasswordSealed = sealed
	return nil
}

func (proxy *ImportedProxy) AfterFind(_ *gorm.DB) error {
	plain, err := security.DefaultSealer().Open(proxy.PasswordSealed)
	if err != nil {
		return err
	}
	proxy.Password = plain
	return nil
}
