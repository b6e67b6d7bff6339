package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("error validating default config: %s", err)
	}
}

func TestConfigSummaryString(t *testing.T) {
	cfg := DefaultConfig()
	summary := cfg.SummaryString()
	if summary == "" {
		t.Error("expected non-empty summary string")
	}
}

func TestConfigReadWriteFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "swarmd_config_test")
	if err != nil {
		t.Fatalf("TempDir: %s", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Swarm.PrivKey = "somekey"
	if err := cfg.WriteToFile(path); err != nil {
		t.Fatalf("WriteToFile: %s", err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile: %s", err)
	}
	if got.Swarm.PrivKey != cfg.Swarm.PrivKey {
		t.Errorf("PrivKey mismatch after round trip: got %q, want %q", got.Swarm.PrivKey, cfg.Swarm.PrivKey)
	}
	if got.Revision != cfg.Revision {
		t.Errorf("Revision mismatch after round trip: got %d, want %d", got.Revision, cfg.Revision)
	}
	if len(got.Swarm.ListenAddrs) != len(cfg.Swarm.ListenAddrs) {
		t.Errorf("ListenAddrs mismatch after round trip: got %v, want %v", got.Swarm.ListenAddrs, cfg.Swarm.ListenAddrs)
	}
}

func TestConfigCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Swarm.PrivKey = "somekey"

	cpy := cfg.Copy()
	if cpy.Swarm.PrivKey != cfg.Swarm.PrivKey {
		t.Fatalf("copy diverged before mutation")
	}

	cpy.Swarm.PrivKey = "otherkey"
	if cfg.Swarm.PrivKey == cpy.Swarm.PrivKey {
		t.Error("mutating the copy's Swarm.PrivKey should not affect the original")
	}

	cpy.Swarm.ListenAddrs[0] = "/ip4/1.2.3.4/tcp/1"
	if cfg.Swarm.ListenAddrs[0] == cpy.Swarm.ListenAddrs[0] {
		t.Error("mutating the copy's ListenAddrs should not affect the original")
	}
}

func TestConfigWithoutAndWithPrivateValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Swarm.PrivKey = "somekey"

	stripped := cfg.WithoutPrivateValues()
	if stripped.Swarm.PrivKey != "" {
		t.Errorf("expected PrivKey to be stripped, got %q", stripped.Swarm.PrivKey)
	}
	if cfg.Swarm.PrivKey != "somekey" {
		t.Error("WithoutPrivateValues should not mutate the receiver")
	}

	restored := stripped.WithPrivateValues(cfg)
	if restored.Swarm.PrivKey != "somekey" {
		t.Errorf("expected PrivKey to be restored, got %q", restored.Swarm.PrivKey)
	}
}

func TestImmutablePaths(t *testing.T) {
	paths := ImmutablePaths()
	if !paths["swarm.privkey"] {
		t.Error("expected swarm.privkey to be immutable")
	}
}
