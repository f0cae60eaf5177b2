package language

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Language is immutable reference data: how to compile and run one
// supported language. Commands run with the submission workspace as the
// working directory, so file references stay relative.
type Language struct {
	ID         int64   `toml:"id"`
	Name       string  `toml:"name"`
	CompileCmd *string `toml:"compile_cmd"`
	RunCmd     string  `toml:"run_cmd"`
	SourceFile string  `toml:"source_file"`
}

//go:embed languages.toml
var defaultLanguagesTOML []byte

type Registry struct {
	byID  map[int64]Language
	order []int64
}

type registryFile struct {
	Languages []Language `toml:"languages"`
}

// NewRegistry parses a TOML language table.
func NewRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse language registry: %w", err)
	}
	if len(file.Languages) == 0 {
		return nil, fmt.Errorf("language registry is empty")
	}
	r := &Registry{byID: make(map[int64]Language, len(file.Languages))}
	for _, lang := range file.Languages {
		if lang.ID == 0 || lang.Name == "" || lang.RunCmd == "" || lang.SourceFile == "" {
			return nil, fmt.Errorf("language %q (id=%d) is missing required fields", lang.Name, lang.ID)
		}
		if _, dup := r.byID[lang.ID]; dup {
			return nil, fmt.Errorf("duplicate language id %d", lang.ID)
		}
		r.byID[lang.ID] = lang
		r.order = append(r.order, lang.ID)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

// DefaultRegistry returns the embedded language table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultLanguagesTOML)
	if err != nil {
		panic(fmt.Errorf("embedded language registry is invalid: %w", err))
	}
	return r
}

// LoadRegistry reads a registry from path, falling back to the embedded
// table when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read language registry %s: %w", path, err)
	}
	return NewRegistry(data)
}

func (r *Registry) ByID(id int64) (Language, bool) {
	lang, ok := r.byID[id]
	return lang, ok
}

func (r *Registry) All() []Language {
	out := make([]Language, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
