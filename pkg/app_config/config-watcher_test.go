package app_config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestCreateGenericWatcher(t *testing.T) {
	dir := t.TempDir()
	watcher := NewConfigWatcher[DevConfig](dir + "/test1.json")

	if watcher == nil {
		t.Errorf("Watcher was nil")
	}
}

func TestWatcherReturnsTypeWhenChangesHappenToFile(t *testing.T) {
	config := DevConfig{
		LogLevel:         "debug",
		BootstrapAddress: "lattice.internal:7687",
	}
	dir := t.TempDir()
	watcher := NewConfigWatcher[DevConfig](dir + "/test2.json")

	configChan := make(chan DevConfig, 8)
	configUnsub := watcher.Subscribe(configChan)
	defer configUnsub()

	bytes, _ := json.Marshal(config)
	if err := os.WriteFile(dir+"/test2.json", bytes, 0o644); err != nil {
		t.Fatalf("failed to write config file: %s", err)
	}

	select {
	case got := <-configChan:
		if got.LogLevel != config.LogLevel {
			t.Errorf("expected log level %q, got %q", config.LogLevel, got.LogLevel)
		}
		if got.BootstrapAddress != config.BootstrapAddress {
			t.Errorf("expected bootstrap %q, got %q", config.BootstrapAddress, got.BootstrapAddress)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("never received a config update")
	}
}
