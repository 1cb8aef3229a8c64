package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdStructure(t *testing.T) {
	assert.Equal(t, "bindery", rootCmd.Use)
	assert.Contains(t, rootCmd.Short, "Bindery")
	assert.Contains(t, rootCmd.Long, "index images")

	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "config", flag.Name)
}

func TestRootCmdSubcommands(t *testing.T) {
	commandNames := make([]string, 0)
	for _, sub := range rootCmd.Commands() {
		commandNames = append(commandNames, sub.Name())
	}

	assert.Contains(t, commandNames, "serve")
	assert.Contains(t, commandNames, "version")
}

func TestInitConfig_ExplicitFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test-bindery.toml")
	configContent := `[builder]
registry = "registry.example.com/bindery"`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	originalCfgFile := cfgFile
	t.Cleanup(func() {
		cfgFile = originalCfgFile
		viper.Reset()
	})

	viper.Reset()
	cfgFile = configFile
	initConfig()

	assert.Equal(t, configFile, viper.ConfigFileUsed())
	assert.Equal(t, "registry.example.com/bindery", viper.GetString("builder.registry"))
}

func TestInitConfig_EnvOverride(t *testing.T) {
	originalCfgFile := cfgFile
	t.Cleanup(func() {
		cfgFile = originalCfgFile
		viper.Reset()
	})

	viper.Reset()
	cfgFile = ""
	t.Setenv("BINDERY_BUILDER_REGISTRY", "registry.env.example.com/bindery")
	initConfig()

	assert.Equal(t, "registry.env.example.com/bindery", viper.GetString("builder.registry"))
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "version", versionCmd.Use)
	require.NotNil(t, versionCmd.Flags().Lookup("short"))
}
