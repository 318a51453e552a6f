package config

import (
	"testing"
	"time"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := loadConfig([]byte(`
version: 1
global:
  user_id: "@alice:example.org"
  device_id: "ALPHA"
key_store:
  database:
    connection_string: file:keystore.db
verifier:
  database:
    connection_string: file:verifier.db
key_gate:
  database:
    connection_string: file:keygate.db
`))
	if err != nil {
		t.Fatalf("loadConfig: %s", err)
	}
	if cfg.Global.UserID != "@alice:example.org" || cfg.Global.DeviceID != "ALPHA" {
		t.Fatalf("unexpected identity: %+v", cfg.Global)
	}
	if cfg.Verifier.FlowTimeout != time.Minute*10 {
		t.Errorf("expected default flow timeout, got %s", cfg.Verifier.FlowTimeout)
	}
	if cfg.KeyGate.ValidityWindow != time.Minute*10 {
		t.Errorf("expected default validity window, got %s", cfg.KeyGate.ValidityWindow)
	}
	if cfg.Global.ListenAddress == "" {
		t.Errorf("expected a default listen address")
	}
	if cfg.Global.Cache.EstimatedMaxSize <= 0 {
		t.Errorf("expected a default cache size")
	}
}

func TestLoadConfigRejectsWrongVersion(t *testing.T) {
	_, err := loadConfig([]byte(`
version: 0
global:
  user_id: "@alice:example.org"
  device_id: "ALPHA"
`))
	if err == nil {
		t.Fatal("expected a version error")
	}
}

func TestVerifyRequiresIdentity(t *testing.T) {
	var cfg Bracken
	cfg.Defaults(true)
	cfg.Global.UserID = ""

	configErrs := &ConfigErrors{}
	cfg.Verify(configErrs)
	if len(*configErrs) == 0 {
		t.Fatal("expected an error for the missing user ID")
	}
}

func TestDataSourceIsSQLite(t *testing.T) {
	if !DataSource("file:bracken.db").IsSQLite() {
		t.Error("file: data source should be SQLite")
	}
	if DataSource("postgres://user@host/db").IsSQLite() {
		t.Error("postgres data source should not be SQLite")
	}
}
