package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile_Valid(t *testing.T) {
	path := writeConfig(t, "lot_size: 500\nbudget: 20s\nrow_timeout: 500ms\nfail_open: true\nlock: redis\nredis_addr: localhost:6379\n")

	var c Config
	if err := c.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if c.LotSize != 500 || c.Budget != 20*time.Second || c.RowTimeout != 500*time.Millisecond {
		t.Errorf("unexpected processing settings: %+v", c)
	}
	if !c.FailOpen || c.LockBackend != LockRedis || c.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected lock settings: %+v", c)
	}
}

func TestLoadFromFile_FlagsWin(t *testing.T) {
	path := writeConfig(t, "lot_size: 500\ndsn: postgres://file\n")

	c := Config{LotSize: 200, DSN: "postgres://flag"}
	if err := c.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if c.LotSize != 200 || c.DSN != "postgres://flag" {
		t.Errorf("file overrode flags: %+v", c)
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	tests := map[string]string{
		"lot size too big":   "lot_size: 20000\n",
		"unknown lock":       "lock: etcd\n",
		"redis without addr": "lock: redis\n",
		"bad duration":       "budget: soon\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var c Config
			if err := c.LoadFromFile(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	var c Config
	err := c.LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	c := Config{LotSize: 10}
	c.ApplyDefaults()
	if c.LotSize != 10 || c.Budget != DefaultBudget || c.RowTimeout != DefaultRowTimeout || c.LogFormat != "text" {
		t.Errorf("ApplyDefaults = %+v", c)
	}
}

func TestValidate(t *testing.T) {
	file := writeConfig(t, "")
	base := Config{FilePath: file, FileCategory: "standard-retroactive", ReferencePeriod: "2025-09"}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := base.ValidateWithDSN(); err == nil {
		t.Error("expected DSN error")
	}

	bad := base
	bad.FileCategory = "weekly"
	if err := bad.Validate(); err == nil {
		t.Error("expected category error")
	}
	bad = base
	bad.ReferencePeriod = "setembro"
	if err := bad.Validate(); err == nil {
		t.Error("expected period error")
	}
	bad = base
	bad.FilePath = filepath.Join(t.TempDir(), "missing.xlsx")
	if err := bad.Validate(); err == nil {
		t.Error("expected file error")
	}
}

func TestRequireDSN(t *testing.T) {
	c := Config{}
	if err := c.RequireDSN(); err == nil {
		t.Error("expected DSN error")
	}
	c.DSN = "postgres://localhost/vol"
	if err := c.RequireDSN(); err != nil {
		t.Errorf("RequireDSN: %v", err)
	}
	c.LockBackend = LockRedis
	if err := c.RequireDSN(); err == nil {
		t.Error("expected redis address error")
	}
}
