package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	dataDir := t.TempDir()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("builder.registry", "registry.example.com/bindery")
	viper.Set("server.listen", "127.0.0.1:0")
	viper.Set("storage.database_path", filepath.Join(dataDir, "bindery.db"))
	viper.Set("storage.lock_dir", filepath.Join(dataDir, "locks"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx) }()

	// let startup finish before pulling the plug
	time.Sleep(200 * time.Millisecond)
	cancel()

	// Cancellation must propagate to the dispatcher workers; without it
	// the deferred Stop would block on in-flight builds instead of
	// returning promptly.
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not shut down after context cancellation")
	}
}
