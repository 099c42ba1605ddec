package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models givelink.yml.
type Config struct {
	App struct {
		Name string `yaml:"name"`
	} `yaml:"app"`
	Catalog struct {
		// Categories and Conditions are presentation lookup tables:
		// label -> display metadata. The lifecycle logic never reads
		// them; validation only checks membership when non-empty.
		Categories map[string]CatalogEntry `yaml:"categories"`
		Conditions map[string]CatalogEntry `yaml:"conditions"`
	} `yaml:"catalog"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type CatalogEntry struct {
	Description string `yaml:"description"`
	Icon        string `yaml:"icon,omitempty"`
	Color       string `yaml:"color,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("config.app.name is required")
	}
	for label := range c.Catalog.Categories {
		if label == "" {
			return fmt.Errorf("config.catalog.categories contains empty label")
		}
	}
	for label := range c.Catalog.Conditions {
		if label == "" {
			return fmt.Errorf("config.catalog.conditions contains empty label")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "givelink.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(appName string) string {
	return fmt.Sprintf(defaultTemplate, appName)
}

// Default returns the default Config struct.
func Default(appName string) *Config {
	var cfg Config
	cfg.App.Name = appName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, appName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `app:
  name: %s

catalog:
  categories:
    Alimentos:
      description: "Food and groceries"
      icon: shopping-basket
      color: green
    Ropa:
      description: "Clothing and footwear"
      icon: shirt
      color: blue
    Muebles:
      description: "Furniture and household items"
      icon: armchair
      color: amber
    Juguetes:
      description: "Toys and games"
      icon: puzzle
      color: pink
    Libros:
      description: "Books and school supplies"
      icon: book
      color: purple
    Otros:
      description: "Anything else"
      icon: package
      color: gray

  conditions:
    Nuevo:
      description: "New, unused"
    Como nuevo:
      description: "Barely used, excellent state"
    Usado:
      description: "Used, fully functional"

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

webhooks: []
`
