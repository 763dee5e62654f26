package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("PRESIGNCTRL_SIGNER__URL", "http://signer.local/batch")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8819, cfg.Server.Listen.Port)
				require.Equal(t, 0.8, cfg.Cache.RefreshThreshold)
				require.Equal(t, 20, cfg.Cache.MaxBatchSize)
				require.Equal(t, "http://signer.local/batch", cfg.Signer.URL)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				contents := "server:\n  listen:\n    port: 9090\ncache:\n  maxBatchSize: 40\nsigner:\n  url: http://signer.local/batch\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 40, cfg.Cache.MaxBatchSize)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				contents := "server:\n  listen:\n    port: 9090\nsigner:\n  url: http://signer.local/batch\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				t.Setenv("PRESIGNCTRL_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps env keys onto camelCase fields",
			setup: func(t *testing.T) []string {
				t.Setenv("PRESIGNCTRL_SIGNER__URL", "http://signer.local/batch")
				t.Setenv("PRESIGNCTRL_CACHE__MAXBATCHSIZE", "25")
				t.Setenv("PRESIGNCTRL_CACHE__DEBOUNCEWINDOW", "250ms")
				t.Setenv("PRESIGNCTRL_SIGNER__RETRYMAX", "5")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 25, cfg.Cache.MaxBatchSize)
				require.Equal(t, 250*time.Millisecond, cfg.Cache.GetDebounceWindow())
				require.Equal(t, 5, cfg.Signer.RetryMax)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				t.Setenv("PRESIGNCTRL_SIGNER__URL", "http://signer.local/batch")
				dir := t.TempDir()
				return []string{filepath.Join(dir, "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails without signer url",
			setup: func(t *testing.T) []string {
				return nil
			},
			wantErr: true,
		},
		{
			name: "fails on out-of-range threshold",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				contents := "cache:\n  refreshThreshold: 1.5\nsigner:\n  url: http://signer.local/batch\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "loads warmup manifest",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				manifest := filepath.Join(dir, "warmup.yaml")
				rows := "resources:\n  - owner: caseA\n    index: 0\n    url: https://cdn.example.com/a.png?Expires=1900000000\n  - owner: \"\"\n    index: 1\n    url: https://cdn.example.com/b.png\n"
				require.NoError(t, os.WriteFile(manifest, []byte(rows), 0o600))

				path := filepath.Join(dir, "server.yaml")
				contents := fmt.Sprintf("signer:\n  url: http://signer.local/batch\nwarmup:\n  manifest: %s\n", manifest)
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Len(t, cfg.WarmupResources, 1)
				require.Equal(t, "caseA", cfg.WarmupResources[0].Owner)
				require.Len(t, cfg.SkippedResources, 1)
				require.Equal(t, 2, cfg.SkippedResources[0].Row)
			},
		},
		{
			name: "fails when warmup manifest missing",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				contents := fmt.Sprintf("signer:\n  url: http://signer.local/batch\nwarmup:\n  manifest: %s\n", filepath.Join(dir, "nope.yaml"))
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("PRESIGNCTRL", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}
