package config

import (
	"context"
	"testing"
)

func TestProfileDefaults(t *testing.T) {
	v := New("")
	v.SetConfigName("nonexistent-config-for-test")
	profile, err := NewWatcher(v).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if profile.MaxConnectionsGlobal != 200 {
		t.Fatalf("MaxConnectionsGlobal = %d, want default 200", profile.MaxConnectionsGlobal)
	}
	if !profile.DHTEnabled {
		t.Fatal("DHTEnabled should default true")
	}
}

func TestProcessConfigDefaults(t *testing.T) {
	v := New("")
	pc := LoadProcessConfig(v)
	if pc.DataDir != "data" {
		t.Fatalf("DataDir = %q, want data", pc.DataDir)
	}
	if pc.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want text", pc.LogFormat)
	}
}
