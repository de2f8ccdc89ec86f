package runtime

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/sandbox"
)

// Language is a canonical language id.
type Language string

const (
	Python Language = "python"
	Node   Language = "node"
	Bash   Language = "bash"
	Go     Language = "go"
)

// ErrUnknownLanguage is returned for languages missing from the catalog.
var ErrUnknownLanguage = sandbox.ErrUnsupportedLang

var aliases = map[string]Language{
	"py":         Python,
	"python3":    Python,
	"javascript": Node,
	"js":         Node,
	"nodejs":     Node,
	"sh":         Bash,
	"shell":      Bash,
	"golang":     Go,
}

// Normalize maps a user-supplied name or alias to its canonical id.
func Normalize(name string) Language {
	name = strings.ToLower(strings.TrimSpace(name))
	if l, ok := aliases[name]; ok {
		return l
	}
	return Language(name)
}

// Descriptor is static metadata for one language runtime.
type Descriptor struct {
	Language       Language      `json:"language"`
	DisplayName    string        `json:"displayName"`
	Version        string        `json:"version"`
	FootprintBytes int64         `json:"footprintBytes"`
	LoadTime       time.Duration `json:"-"`
	Image          string        `json:"image"`
	Binary         string        `json:"binary"`
	Extension      string        `json:"extension"`
}

// FileName is the name source code is stored under.
func (d Descriptor) FileName() string {
	return "main" + d.Extension
}

func (d Descriptor) target() sandbox.Target {
	return sandbox.Target{Name: string(d.Language), Image: d.Image, Binary: d.Binary}
}

const mb = 1 << 20

// DefaultDescriptors is the built-in catalog table.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Language:       Python,
			DisplayName:    "Python",
			Version:        "3.12",
			FootprintBytes: 48 * mb,
			LoadTime:       1500 * time.Millisecond,
			Image:          "docker.io/library/python:3.12-slim",
			Binary:         "python3",
			Extension:      ".py",
		},
		{
			Language:       Node,
			DisplayName:    "Node.js",
			Version:        "20",
			FootprintBytes: 64 * mb,
			LoadTime:       800 * time.Millisecond,
			Image:          "docker.io/library/node:20-slim",
			Binary:         "node",
			Extension:      ".js",
		},
		{
			Language:       Bash,
			DisplayName:    "Shell",
			Version:        "POSIX sh",
			FootprintBytes: 8 * mb,
			LoadTime:       100 * time.Millisecond,
			Image:          "docker.io/library/alpine:3.19",
			Binary:         "sh",
			Extension:      ".sh",
		},
		{
			Language:       Go,
			DisplayName:    "Go",
			Version:        "1.24",
			FootprintBytes: 256 * mb,
			LoadTime:       3 * time.Second,
			Image:          "docker.io/library/golang:1.24-alpine",
			Binary:         "go",
			Extension:      ".go",
		},
	}
}

// Catalog is the read-only table of supported runtimes.
type Catalog struct {
	byLang map[Language]Descriptor
}

// NewCatalog builds a catalog from descs. Later entries replace earlier ones.
func NewCatalog(descs []Descriptor) *Catalog {
	c := &Catalog{byLang: make(map[Language]Descriptor, len(descs))}
	for _, d := range descs {
		c.byLang[d.Language] = d
	}
	return c
}

// DefaultCatalog holds the built-in runtimes.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultDescriptors())
}

// CatalogFromConfig applies per-language overrides to the defaults.
func CatalogFromConfig(overrides map[string]config.RuntimeOverride) (*Catalog, error) {
	descs := DefaultDescriptors()
	for name, o := range overrides {
		lang := Normalize(name)
		i := slices.IndexFunc(descs, func(d Descriptor) bool { return d.Language == lang })
		if i < 0 {
			return nil, fmt.Errorf("runtimes.overrides: %w: %q", ErrUnknownLanguage, name)
		}
		if o.Image != "" {
			descs[i].Image = o.Image
		}
		if o.Binary != "" {
			descs[i].Binary = o.Binary
		}
		if o.Version != "" {
			descs[i].Version = o.Version
		}
		if o.FootprintMB > 0 {
			descs[i].FootprintBytes = o.FootprintMB * mb
		}
	}
	return NewCatalog(descs), nil
}

// Describe returns the descriptor for language or one of its aliases.
func (c *Catalog) Describe(language string) (Descriptor, error) {
	d, ok := c.byLang[Normalize(language)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownLanguage, language, c.supportedList())
	}
	return d, nil
}

// Supported lists every language id in sorted order.
func (c *Catalog) Supported() []Language {
	out := make([]Language, 0, len(c.byLang))
	for l := range c.byLang {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// All returns every descriptor, sorted by language.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.byLang))
	for _, l := range c.Supported() {
		out = append(out, c.byLang[l])
	}
	return out
}

// ForExtension finds the runtime whose source files use ext (".py").
func (c *Catalog) ForExtension(ext string) (Descriptor, bool) {
	ext = strings.ToLower(ext)
	for _, d := range c.All() {
		if d.Extension == ext {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Images returns the container images of all runtimes.
func (c *Catalog) Images() []string {
	images := make([]string, 0, len(c.byLang))
	for _, d := range c.All() {
		images = append(images, d.Image)
	}
	return images
}

func (c *Catalog) supportedList() string {
	names := make([]string, 0, len(c.byLang))
	for _, l := range c.Supported() {
		names = append(names, string(l))
	}
	return strings.Join(names, ", ")
}
