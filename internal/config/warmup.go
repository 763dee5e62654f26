package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type warmupDocument struct {
	Resources []WarmupResource `koanf:"resources"`
}

// LoadWarmupManifest parses the manifest at path and returns the rows worth
// seeding plus the rows the loader quarantined. An empty path yields nothing;
// a configured but unreadable manifest is an error because the operator asked
// for warmup and silently skipping it would hide broken deployments.
func LoadWarmupManifest(ctx context.Context, path string) ([]WarmupResource, []ResourceSkip, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: warmup manifest %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("config: warmup manifest %s: expected a file, found directory", path)
	}

	parser, err := parserFor(path)
	if err != nil {
		return nil, nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, nil, fmt.Errorf("config: load warmup manifest %s: %w", path, err)
	}
	var doc warmupDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, nil, fmt.Errorf("config: decode warmup manifest %s: %w", path, err)
	}

	resources := make([]WarmupResource, 0, len(doc.Resources))
	var skipped []ResourceSkip
	seen := make(map[string]struct{}, len(doc.Resources))
	for i, res := range doc.Resources {
		row := i + 1
		if strings.TrimSpace(res.Owner) == "" {
			skipped = append(skipped, ResourceSkip{Row: row, Reason: "empty owner"})
			continue
		}
		if res.Index < 0 {
			skipped = append(skipped, ResourceSkip{Row: row, Reason: fmt.Sprintf("negative index: %d", res.Index)})
			continue
		}
		if strings.TrimSpace(res.URL) == "" {
			skipped = append(skipped, ResourceSkip{Row: row, Reason: "empty url"})
			continue
		}
		id := fmt.Sprintf("%s/%d", res.Owner, res.Index)
		if _, dup := seen[id]; dup {
			skipped = append(skipped, ResourceSkip{Row: row, Reason: fmt.Sprintf("duplicate resource %s", id)})
			continue
		}
		seen[id] = struct{}{}
		resources = append(resources, res)
	}
	return resources, skipped, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported warmup manifest extension %s", ext)
	}
}
