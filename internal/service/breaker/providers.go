package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BackupSuffix is appended to the provider config path for the pre-pause copy
const BackupSuffix = ".spendguard.bak"

// ErrNoProvidersSection is returned when the config has no providers key
var ErrNoProvidersSection = errors.New("provider config has no providers section")

// NopController performs no side effect
type NopController struct{}

// Pause does nothing
func (NopController) Pause(ctx context.Context) error { return nil }

// Resume does nothing
func (NopController) Resume(ctx context.Context) error { return nil }

// YAMLProviderConfig pauses providers by editing the host's YAML provider
// configuration. The file may list providers as a mapping keyed by name or as
// a sequence of mappings with a name field:
//
//	providers:
//	  openai:
//	    enabled: true
//
//	providers:
//	  - name: openai
//	    enabled: true
//
// Pause keeps a byte-exact backup which Resume restores, so a pause/resume
// pair leaves the file exactly as it was.
type YAMLProviderConfig struct {
	path      string
	providers map[string]bool // empty = all
	logger    *slog.Logger

	mu sync.Mutex
}

// YAMLOption configures the YAML controller
type YAMLOption func(*YAMLProviderConfig)

// WithYAMLLogger sets a custom logger
func WithYAMLLogger(logger *slog.Logger) YAMLOption {
	return func(c *YAMLProviderConfig) {
		c.logger = logger
	}
}

// NewYAMLProviderConfig creates a controller for the file at path. providers
// limits which entries are disabled; empty means every provider.
func NewYAMLProviderConfig(path string, providers []string, opts ...YAMLOption) *YAMLProviderConfig {
	c := &YAMLProviderConfig{
		path:      path,
		providers: make(map[string]bool, len(providers)),
		logger:    slog.Default(),
	}
	for _, p := range providers {
		c.providers[strings.ToLower(p)] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BackupPath returns where the pre-pause copy is kept
func (c *YAMLProviderConfig) BackupPath() string {
	return c.path + BackupSuffix
}

// Pause backs up the config and sets enabled: false on the selected providers.
// If a backup already exists it is kept, since it holds the pre-pause state.
func (c *YAMLProviderConfig) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("failed to stat provider config: %w", err)
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read provider config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse provider config: %w", err)
	}

	disabled, err := c.disable(&doc)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode provider config: %w", err)
	}

	if _, err := os.Stat(c.BackupPath()); errors.Is(err, os.ErrNotExist) {
		if err := writeFileAtomic(c.BackupPath(), data, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to back up provider config: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to stat provider config backup: %w", err)
	} else {
		c.logger.WarnContext(ctx, "provider config backup already present, keeping it",
			slog.String("backup", c.BackupPath()))
	}

	if err := writeFileAtomic(c.path, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write provider config: %w", err)
	}

	c.logger.InfoContext(ctx, "providers paused",
		slog.String("path", c.path),
		slog.Any("providers", disabled))
	return nil
}

// Resume restores the backup taken by Pause and removes it. Without a
// backup there is nothing to restore.
func (c *YAMLProviderConfig) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.BackupPath())
	if errors.Is(err, os.ErrNotExist) {
		c.logger.WarnContext(ctx, "no provider config backup to restore",
			slog.String("backup", c.BackupPath()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read provider config backup: %w", err)
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(c.path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeFileAtomic(c.path, data, mode); err != nil {
		return fmt.Errorf("failed to restore provider config: %w", err)
	}
	if err := os.Remove(c.BackupPath()); err != nil {
		return fmt.Errorf("failed to remove provider config backup: %w", err)
	}

	c.logger.InfoContext(ctx, "providers resumed", slog.String("path", c.path))
	return nil
}

func (c *YAMLProviderConfig) disable(doc *yaml.Node) ([]string, error) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrNoProvidersSection
	}
	root := doc.Content[0]
	providers := mappingValue(root, "providers")
	if providers == nil {
		return nil, ErrNoProvidersSection
	}

	var disabled []string
	switch providers.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(providers.Content); i += 2 {
			name := providers.Content[i].Value
			entry := providers.Content[i+1]
			if entry.Kind != yaml.MappingNode || !c.selected(name) {
				continue
			}
			setEnabledFalse(entry)
			disabled = append(disabled, name)
		}
	case yaml.SequenceNode:
		for _, entry := range providers.Content {
			if entry.Kind != yaml.MappingNode {
				continue
			}
			name := ""
			if n := mappingValue(entry, "name"); n != nil {
				name = n.Value
			}
			if !c.selected(name) {
				continue
			}
			setEnabledFalse(entry)
			disabled = append(disabled, name)
		}
	default:
		return nil, fmt.Errorf("providers section must be a mapping or a list")
	}
	return disabled, nil
}

func (c *YAMLProviderConfig) selected(name string) bool {
	return len(c.providers) == 0 || c.providers[strings.ToLower(name)]
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setEnabledFalse(entry *yaml.Node) {
	if v := mappingValue(entry, "enabled"); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!bool"
		v.Style = 0
		v.Value = "false"
		return
	}
	entry.Content = append(entry.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "enabled"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "false"},
	)
}

// writeFileAtomic writes through a temp file in the same directory and renames
// it over the target, so readers never see a partial file
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
