package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// templatesConfig is the YAML structure of the template registry file.
type templatesConfig struct {
	Templates map[string]string `yaml:"templates"`
}

// TemplateRegistry maps template keys to source directories that new
// instances are copied from. The registry is read from a YAML file on
// every call so edits take effect without a restart.
type TemplateRegistry struct {
	filePath string
}

// NewTemplateRegistry creates a TemplateRegistry backed by filePath.
func NewTemplateRegistry(filePath string) *TemplateRegistry {
	return &TemplateRegistry{filePath: filePath}
}

// FilePath returns the path to the templates file.
func (r *TemplateRegistry) FilePath() string {
	return r.filePath
}

// Keys returns the sorted template keys. A missing file yields an empty
// slice, not an error.
func (r *TemplateRegistry) Keys() ([]string, error) {
	all, err := r.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Resolve returns the source directory for key. The directory must exist;
// a dangling registry entry is reported the same way as a missing key.
func (r *TemplateRegistry) Resolve(key string) (string, error) {
	all, err := r.load()
	if err != nil {
		return "", err
	}
	src, ok := all[key]
	if !ok {
		return "", fmt.Errorf("template %q not registered", key)
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("template %q points at %s which is not a directory", key, src)
	}
	return src, nil
}

func (r *TemplateRegistry) load() (map[string]string, error) {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var cfg templatesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}
	return cfg.Templates, nil
}
