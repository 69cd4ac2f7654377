package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Geo.Technique != "geohash" || cfg.Geo.Precision != 6 {
		t.Errorf("geo defaults = %+v", cfg.Geo)
	}
	if cfg.Dispatch.DefaultRadiusMeters != 3000 || cfg.Dispatch.ArrivalRadiusMeters != 100 {
		t.Errorf("dispatch defaults = %+v", cfg.Dispatch)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("HAIL_HTTP_ADDR", ":9999")
	os.Setenv("HAIL_GEO_TECHNIQUE", "rtree")
	defer os.Unsetenv("HAIL_HTTP_ADDR")
	defer os.Unsetenv("HAIL_GEO_TECHNIQUE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("env override ignored: http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Geo.Technique != "rtree" {
		t.Errorf("env override ignored: geo.technique = %q", cfg.Geo.Technique)
	}
}
