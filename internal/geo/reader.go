package geo

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Reader resolves IPs to ISO country codes from a GeoLite2/GeoIP2 Country
// database.
type Reader struct {
	mu sync.RWMutex
	db *geoip2.Reader
}

func Open(path string) (*Reader, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %q: %w", path, err)
	}
	return &Reader{db: db}, nil
}

func FromBytes(data []byte) (*Reader, error) {
	db, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load geoip database: %w", err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return "", fmt.Errorf("geoip database is closed")
	}

	record, err := r.db.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", ip, err)
	}
	return record.Country.IsoCode, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
