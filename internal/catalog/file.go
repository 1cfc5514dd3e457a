package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout of a tool catalog:
//
//	tools:
//	  - id: writer
//	    name: Writer
//	    api_type: OPENAI
//	    model: gpt-4o-mini
//	    credential_ref: OPENAI_API_KEY
//	    capabilities: [chat, image_generate]
//	    category: writing
type catalogFile struct {
	Tools []struct {
		ID            string   `yaml:"id"`
		Name          string   `yaml:"name"`
		APIType       string   `yaml:"api_type"`
		Model         string   `yaml:"model"`
		CredentialRef string   `yaml:"credential_ref"`
		Capabilities  []string `yaml:"capabilities"`
		Category      string   `yaml:"category"`
	} `yaml:"tools"`
}

// ParseFile decodes a YAML tool catalog.
func ParseFile(data []byte) ([]ToolConfig, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Tools))
	tools := make([]ToolConfig, 0, len(f.Tools))
	for i, t := range f.Tools {
		if t.ID == "" {
			return nil, fmt.Errorf("tool #%d has no id", i+1)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate tool id %q", t.ID)
		}
		seen[t.ID] = true
		tools = append(tools, ToolConfig{
			ID:              t.ID,
			Name:            t.Name,
			ProviderType:    ParseProviderType(t.APIType),
			ModelName:       t.Model,
			CredentialRef:   t.CredentialRef,
			CapabilityFlags: t.Capabilities,
			Category:        t.Category,
		})
	}
	return tools, nil
}

// FileCatalog serves tools from a YAML file and reloads it when it changes.
type FileCatalog struct {
	mu     sync.RWMutex
	path   string
	logger *zap.Logger
	tools  map[string]ToolConfig
}

// LoadFile reads the catalog at path.
func LoadFile(path string, logger *zap.Logger) (*FileCatalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &FileCatalog{path: path, logger: logger.Named("catalog")}
	if err := c.Update(); err != nil {
		return nil, err
	}
	return c, nil
}

// Update reloads the catalog from disk. A broken file leaves the previous
// catalog in place.
func (c *FileCatalog) Update() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read tool catalog %s: %w", c.path, err)
	}
	tools, err := ParseFile(data)
	if err != nil {
		return err
	}
	next := make(map[string]ToolConfig, len(tools))
	for _, t := range tools {
		next[t.ID] = t
	}
	c.mu.Lock()
	c.tools = next
	c.mu.Unlock()
	c.logger.Debug("Loaded tool catalog", zap.String("path", c.path), zap.Int("tools", len(next)))
	return nil
}

func (c *FileCatalog) ResolveTool(_ context.Context, toolID string) (ToolConfig, error) {
	c.mu.RLock()
	t, ok := c.tools[toolID]
	c.mu.RUnlock()
	if !ok {
		return ToolConfig{}, notFound(toolID)
	}
	return t, nil
}

// Tools returns every tool ordered by id.
func (c *FileCatalog) Tools() []ToolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolConfig, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog whenever the file is written or recreated, until
// ctx is done. The parent directory is watched because editors replace files
// by rename.
func (c *FileCatalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := c.Update(); err != nil {
					c.logger.Warn("Tool catalog reload failed, keeping previous catalog", zap.Error(err))
					continue
				}
				c.logger.Info("Tool catalog reloaded", zap.String("path", c.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Tool catalog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
