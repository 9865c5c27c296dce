package database

import (
	"context"
	"testing"
	"time"

	"proxybroker/internal/domain"
)

func importedProxies() []domain.ImportedProxy {
	return []domain.ImportedProxy{
		{Protocol: domain.ProtocolHTTP, Host: "1.1.1.1", Port: 80, Country: "cn"},
		{Protocol: domain.ProtocolHTTP, Host: "1.1.1.2", Port: 80, Country: "HK"},
		{Protocol: domain.ProtocolSOCKS5, Host: "1.1.1.3", Port: 1080, Username: "u", Password: "p", Country: "US"},
		{Protocol: domain.ProtocolHTTP, Host: "1.1.1.4", Port: 80},
	}
}

func TestImportedProxyRepositoryAddAndStats(t *testing.T) {
	repo := NewImportedProxyRepository(setupTestDB(t))
	ctx := context.Background()

	n, err := repo.AddBatch(ctx, append(importedProxies(), importedProxies()[0]))
	if err != nil {
		t.Fatalf("AddBatch returned %v", err)
	}
	if n != 4 {
		t.Fatalf("AddBatch returned %d, want 4", n)
	}

	added, err := repo.Add(ctx, importedProxies()[1])
	if err != nil || added {
		t.Fatalf("Add duplicate returned (%v, %v), want (false, nil)", added, err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned %v", err)
	}
	if stats.Total != 4 || stats.Unused != 4 || stats.Used != 0 {
		t.Fatalf("Stats returned %+v", stats)
	}
	if stats.ByCountry["CN"] != 1 || stats.ByCountry["OTHER"] != 1 {
		t.Fatalf("ByCountry returned %v", stats.ByCountry)
	}

	list, err := repo.List(ctx, ImportedFilter{Countries: []string{"US"}})
	if err != nil || len(list) != 1 {
		t.Fatalf("List returned (%v, %v)", list, err)
	}
	if list[0].Password != "p" {
		t.Fatalf("List returned password %q, want p", list[0].Password)
	}
}

func TestImportedProxyRepositoryTakeWithoutReuse(t *testing.T) {
	repo := NewImportedProxyRepository(setupTestDB(t))
	ctx := context.Background()
	repo.AddBatch(ctx, importedProxies())

	first, err := repo.Take(ctx, 3, nil, false)
	if err != nil || len(first) != 3 {
		t.Fatalf("Take returned (%d, %v), want 3", len(first), err)
	}
	second, err := repo.Take(ctx, 3, nil, false)
	if err != nil || len(second) != 1 {
		t.Fatalf("second Take returned (%d, %v), want 1", len(second), err)
	}
	if second[0].Host != "1.1.1.4" {
		t.Fatalf("second Take returned %s, want the untaken proxy", second[0].Host)
	}

	stats, _ := repo.Stats(ctx)
	if stats.Used != 4 {
		t.Fatalf("used %d, want 4", stats.Used)
	}

	reused, err := repo.Take(ctx, 10, []string{"CN", "HK"}, true)
	if err != nil || len(reused) != 2 {
		t.Fatalf("Take with reuse returned (%d, %v), want 2", len(reused), err)
	}

	if n, err := repo.ResetUsage(ctx); err != nil || n != 4 {
		t.Fatalf("ResetUsage returned (%d, %v)", n, err)
	}
}

func TestImportedProxyRepositoryDeleteAndClear(t *testing.T) {
	repo := NewImportedProxyRepository(setupTestDB(t))
	ctx := context.Background()
	repo.AddBatch(ctx, importedProxies())

	list, _ := repo.List(ctx, ImportedFilter{Limit: 1})
	if err := repo.Delete(ctx, list[0].ID); err != nil {
		t.Fatalf("Delete returned %v", err)
	}
	if err := repo.Delete(ctx, list[0].ID); !IsNotFound(err) {
		t.Fatalf("second Delete returned %v, want not found", err)
	}

	if n, err := repo.UpdateStatus(ctx, []uint64{list[0].ID + 1}, domain.ImportedUsed); err != nil || n != 1 {
		t.Fatalf("UpdateStatus returned (%d, %v)", n, err)
	}

	if n, err := repo.Clear(ctx); err != nil || n != 3 {
		t.Fatalf("Clear returned (%d, %v), want 3", n, err)
	}
}

func TestProxyCheckRepository(t *testing.T) {
	repo := NewProxyCheckRepository(setupTestDB(t))
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	candidate := domain.Candidate{Host: "5.5.5.5", Port: 8080, Protocol: domain.ProtocolHTTP}
	checks := []domain.ProxyCheck{
		domain.NewProxyCheck(&candidate, domain.SourceFixed, domain.CheckResult{Success: true, IP: "5.5.5.5", CheckedAt: old}),
		domain.NewProxyCheck(nil, domain.SourceDirect, domain.CheckResult{Error: "timeout", ResponseTime: time.Second}),
	}
	if err := repo.Save(ctx, checks); err != nil {
		t.Fatalf("Save returned %v", err)
	}

	direct, err := repo.Recent(ctx, domain.SourceDirect, 10)
	if err != nil || len(direct) != 1 {
		t.Fatalf("Recent returned (%v, %v)", direct, err)
	}
	if direct[0].Address != "direct" || direct[0].ResponseTime != 1000 {
		t.Fatalf("unexpected check %+v", direct[0])
	}

	removed, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("DeleteOlderThan returned (%d, %v), want 1", removed, err)
	}
}
