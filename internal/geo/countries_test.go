package geo

import (
	"path/filepath"
	"slices"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"cn":             "CN",
		" China ":        "CN",
		"Hong Kong":      "HK",
		"澳门":             "MO",
		"united kingdom": "GB",
		"uk":             "GB",
		"Atlantis":       "ATLANTIS",
		"":               "",
	}
	for input, want := range tests {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) returned %q, want %q", input, got, want)
		}
	}
}

func TestMatchKeepsGreaterChinaRegionsApart(t *testing.T) {
	if !Match("China", "cn") {
		t.Fatal("China should match CN")
	}
	for _, region := range []string{"HK", "TW", "MO"} {
		if Match(region, "CN") {
			t.Fatalf("%s must not match CN", region)
		}
	}
	if Match("", "") {
		t.Fatal("empty values must not match")
	}
}

func TestMatchValues(t *testing.T) {
	values := MatchValues("hk")
	if values[0] != "HK" || !slices.Contains(values, "HONG KONG") || !slices.Contains(values, "香港") {
		t.Fatalf("MatchValues returned %v", values)
	}
	if MatchValues(" ") != nil {
		t.Fatal("MatchValues of blank input should be nil")
	}
	if got := Name("us"); got != "United States" {
		t.Fatalf("Name returned %q", got)
	}
}

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatal("Open returned nil error for a missing file")
	}
	if _, err := FromBytes([]byte("not a database")); err == nil {
		t.Fatal("FromBytes accepted garbage")
	}
}
