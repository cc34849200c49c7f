package lib

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	// calculate expected
	expected := Config{
		MainConfig:      DefaultMainConfig(),
		ConsensusConfig: DefaultConsensusConfig(),
		RunnerConfig:    DefaultRunnerConfig(),
		StoreConfig:     DefaultStoreConfig(),
		MirrorConfig:    DefaultMirrorConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
		RPCConfig:       DefaultRPCConfig(),
	}
	// execute the function call
	got := DefaultConfig()
	// compare got vs expected
	diff := cmp.Diff(expected, got)
	require.Empty(t, diff, "config mismatch: %s", diff)
	// the recognized consensus options carry their documented defaults
	require.Equal(t, 5*time.Second, got.FinalityWindow())
	require.Equal(t, 10*time.Second, got.CrawlInterval())
	require.Equal(t, time.Second, got.AppealInterval())
	require.Equal(t, 30*time.Second, got.RunnerCallTimeout())
	require.Equal(t, 5, got.NumInitialValidators)
}

func TestFileConfig(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), ConfigFilePath)
	// define a variable to test upon
	config := DefaultConfig()
	config.FinalityWindowSeconds = 0.5
	config.RunnerURLs = map[string]string{"openai": "http://localhost:4001/api"}
	// write to file
	require.NoError(t, config.WriteToFile(filePath))
	// read from file
	got, err := NewConfigFromFile(filePath)
	require.NoError(t, err)
	// compare got vs expected
	require.Equal(t, config, got)
}

func TestYAMLConfig(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "config.yaml")
	// a partial file; missing options keep their defaults
	require.NoError(t, os.WriteFile(filePath, []byte("finalityWindowSeconds: 2\nnumInitialValidators: 7\nlogLevel: warn\n"), 0644))
	got, err := NewConfigFromFile(filePath)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, got.FinalityWindow())
	require.Equal(t, 7, got.NumInitialValidators)
	require.Equal(t, WarnLevel, got.GetLogLevel())
	require.Equal(t, DefaultConsensusConfig().CrawlIntervalSeconds, got.CrawlIntervalSeconds)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		env      map[string]string
		expected func(c *Config)
		err      bool
	}{
		{
			name:     "no env",
			detail:   "the config is untouched when no option is set",
			env:      map[string]string{},
			expected: func(c *Config) {},
		},
		{
			name:   "all options",
			detail: "every forwarded option overrides the file value",
			env: map[string]string{
				EnvFinalityWindowSeconds:    "1.5",
				EnvCrawlIntervalSeconds:     "3",
				EnvAppealIntervalSeconds:    "0.25",
				EnvNumInitialValidators:     "9",
				EnvRunnerCallTimeoutSeconds: " 12 ",
			},
			expected: func(c *Config) {
				c.FinalityWindowSeconds = 1.5
				c.CrawlIntervalSeconds = 3
				c.AppealIntervalSeconds = 0.25
				c.NumInitialValidators = 9
				c.RunnerCallTimeoutSeconds = 12
			},
		},
		{
			name:   "invalid number",
			detail: "a non numeric option is rejected",
			env:    map[string]string{EnvNumInitialValidators: "five"},
			err:    true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			got := DefaultConfig()
			err := got.ApplyEnv()
			if test.err {
				require.True(t, IsCode(err, MainModule, CodeInvalidEnvOption), test.detail)
				return
			}
			require.NoError(t, err, test.detail)
			expected := DefaultConfig()
			test.expected(&expected)
			require.Equal(t, expected, got, test.detail)
		})
	}
}
