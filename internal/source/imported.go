package source

import (
	"context"
	"fmt"

	"proxybroker/internal/domain"
	"proxybroker/internal/geo"

	"github.com/charmbracelet/log"
)

// ImportedTaker hands out rows of the imported pool.
type ImportedTaker interface {
	Take(ctx context.Context, count int, countries []string, allowReuse bool) ([]domain.ImportedProxy, error)
}

type ImportedConfig struct {
	AllowReuse bool
	// Country limits results to one country; aliases such as "HONG KONG" or
	// "香港" match the same rows as "HK".
	Country string
}

type ImportedSource struct {
	repo ImportedTaker
	cfg  ImportedConfig
}

func NewImportedSource(repo ImportedTaker, cfg ImportedConfig) *ImportedSource {
	return &ImportedSource{repo: repo, cfg: cfg}
}

func (s *ImportedSource) Fetch(ctx context.Context, count int) ([]domain.Candidate, error) {
	if count <= 0 {
		return nil, nil
	}

	var countries []string
	if s.cfg.Country != "" {
		countries = geo.MatchValues(s.cfg.Country)
	}

	taken, err := s.repo.Take(ctx, count, countries, s.cfg.AllowReuse)
	if err != nil {
		return nil, fmt.Errorf("imported source: %w", err)
	}
	if len(taken) < count {
		log.Warn("imported pool has fewer proxies than requested", "requested", count, "available", len(taken), "country", s.cfg.Country)
	}

	out := make([]domain.Candidate, 0, len(taken))
	for _, proxy := range taken {
		out = append(out, proxy.Candidate())
	}
	return out, nil
}
