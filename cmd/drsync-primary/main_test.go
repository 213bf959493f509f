package main

import (
	"testing"

	"github.com/greenplum-dr/drsync/config"
)

func TestConnString(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Primary.Host = "coordinator.internal"
	cfg.Primary.Port = 5432
	cfg.Primary.User = "gpadmin"
	cfg.Primary.DB = "warehouse"

	got := connString(cfg)
	want := "host=coordinator.internal port=5432 user=gpadmin dbname=warehouse sslmode=disable"
	if got != want {
		t.Fatalf("connString() = %q, want %q", got, want)
	}
}

func TestParseFlags_UnknownCommand(t *testing.T) {
	m := NewMain()
	if err := m.ParseFlags([]string{"frobnicate"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestParseFlags_NoArgs(t *testing.T) {
	m := NewMain()
	if err := m.ParseFlags(nil); err == nil {
		t.Fatal("expected usage error when no command is given")
	}
}
