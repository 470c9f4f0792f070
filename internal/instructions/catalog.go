package instructions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/pelletier/go-toml/v2"
)

// Catalog maps instruction key → language → text.
//
//	[welcome]
//	en = "Hello, {first_name}!"
//	uk = "Привіт, {first_name}!"
type Catalog map[string]map[string]string

// ParseCatalog decodes a TOML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse instruction catalog: %w", err)
	}
	return c, nil
}

// LoadCatalog reads a TOML catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruction catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// Seed upserts every catalog entry into repo and returns the number of texts written.
func Seed(ctx context.Context, repo store.InstructionRepo, c Catalog) (int, error) {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, key := range keys {
		for lang, text := range c[key] {
			if err := repo.UpsertInstruction(ctx, key, lang, text); err != nil {
				return written, fmt.Errorf("seed instruction %s/%s: %w", key, lang, err)
			}
			written++
		}
	}
	slog.Info("instructions.Seed: catalog stored", "keys", len(keys), "texts", written)
	return written, nil
}
