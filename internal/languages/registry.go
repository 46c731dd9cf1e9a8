package languages

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/itstheanurag/judgebox/internal/config"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
}

// Get looks a language up by id, case-insensitively.
func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrLanguageNotFound, id)
	}
	return lang, nil
}

// List returns all languages ordered by id.
func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

// Apply merges configured overrides into the registry. Unknown ids become
// new languages and must be complete.
func (r *Registry) Apply(overrides map[string]config.LanguageConfig) error {
	for id, o := range overrides {
		id = strings.ToLower(id)
		lang, err := r.Get(id)
		if err != nil {
			lang = Language{ID: id, Name: id}
		}
		if o.Name != "" {
			lang.Name = o.Name
		}
		if o.Image != "" {
			lang.Config.Image = o.Image
		}
		if o.SourceFile != "" {
			lang.Config.SourceFile = o.SourceFile
		}
		if o.CompileCommand != nil {
			lang.Config.CompileCommand = o.CompileCommand
		}
		if len(o.RunCommand) > 0 {
			lang.Config.RunCommand = o.RunCommand
		}
		if err := validate(lang); err != nil {
			return err
		}
		r.Register(lang)
	}
	return nil
}

func validate(l Language) error {
	switch {
	case l.Config.Image == "":
		return fmt.Errorf("language %s: image is required", l.ID)
	case l.Config.SourceFile == "" || l.Config.SourceFile != filepath.Base(l.Config.SourceFile):
		return fmt.Errorf("language %s: source file must be a plain file name, got %q", l.ID, l.Config.SourceFile)
	case len(l.Config.RunCommand) == 0:
		return fmt.Errorf("language %s: run command is required", l.ID)
	}
	return nil
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:   "cpp",
		Name: "C++",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "main.cpp",
			CompileCommand: []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
			RunCommand:     []string{"./main"},
		},
	})

	r.Register(Language{
		ID:   "c",
		Name: "C",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "main.c",
			CompileCommand: []string{"gcc", "-O2", "-std=c11", "-o", "main", "main.c", "-lm"},
			RunCommand:     []string{"./main"},
		},
	})

	r.Register(Language{
		ID:   "python",
		Name: "Python",
		Config: RuntimeConfig{
			Image:      "python:3.11-slim",
			SourceFile: "main.py",
			RunCommand: []string{"python3", "main.py"},
		},
	})

	// The entry class must be public class Main, so the file name is fixed.
	r.Register(Language{
		ID:   "java",
		Name: "Java",
		Config: RuntimeConfig{
			Image:          "eclipse-temurin:17-jdk",
			SourceFile:     "Main.java",
			CompileCommand: []string{"javac", "-d", ".", "Main.java"},
			RunCommand:     []string{"java", "-cp", ".", "Main"},
		},
	})
}
