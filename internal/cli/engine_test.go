package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/laju/internal/config"
)

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		wantErr  bool
	}{
		{model: "claude-sonnet-4", provider: "anthropic"},
		{model: "claude-3-5-haiku-latest", provider: "anthropic"},
		{model: "gpt-4-turbo", provider: "openai"},
		{model: "o3-mini", provider: "openai"},
		{model: "llama-70b", wantErr: true},
		{model: "", wantErr: true},
	}

	for _, tt := range tests {
		provider, err := providerForModel(tt.model)
		if tt.wantErr {
			assert.Error(t, err, tt.model)
			continue
		}
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.provider, provider, tt.model)
	}
}

func TestApplyMode(t *testing.T) {
	base := config.DefaultConfig()
	base.Models.Rotation = []string{"claude-sonnet-4"}
	base.DataDir = "/tmp/laju-test"

	t.Run("default keeps config untouched", func(t *testing.T) {
		cfg, err := applyMode(base, "default")
		require.NoError(t, err)
		assert.Same(t, base, cfg)
	})

	t.Run("autonomous keeps rotation and data dir", func(t *testing.T) {
		cfg, err := applyMode(base, "autonomous")
		require.NoError(t, err)
		assert.True(t, cfg.Tools.AutoExecuteWrites)
		assert.Equal(t, base.Models.Rotation, cfg.Models.Rotation)
		assert.Equal(t, base.DataDir, cfg.DataDir)
	})

	t.Run("conservative tightens the loop", func(t *testing.T) {
		cfg, err := applyMode(base, "conservative")
		require.NoError(t, err)
		assert.False(t, cfg.Tools.AutoExecuteWrites)
		assert.False(t, cfg.Loop.ExtendOnProgress)
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		_, err := applyMode(base, "yolo")
		assert.Error(t, err)
	})
}

func TestBuildEngine_WiresFullStack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Models.Rotation = []string{"claude-sonnet-4", "gpt-4-turbo"}

	eng, err := buildEngine(cfg, t.TempDir())
	require.NoError(t, err)
	defer eng.Close()

	assert.NotNil(t, eng.store)
	assert.NotNil(t, eng.archiver)
	assert.NotNil(t, eng.cleaner)
	assert.NotNil(t, eng.health)
	assert.NotNil(t, eng.orch)

	sess, err := eng.store.Create("claude-sonnet-4", t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestBuildEngine_RejectsUnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Models.Rotation = []string{"mystery-model"}

	_, err := buildEngine(cfg, t.TempDir())
	assert.Error(t, err)
}
