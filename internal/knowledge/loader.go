package knowledge

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/pawnmind/internal/memory"
)

const packFileName = "KNOWLEDGE.md"

var errInvalidPackYAML = errors.New("invalid knowledge pack YAML frontmatter")

type packFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tag         string   `yaml:"tag"`
	Importance  *float64 `yaml:"importance"`
	Enabled     *bool    `yaml:"enabled"`
}

// Pack is one directory of world knowledge shipped alongside the service.
type Pack struct {
	Name        string
	Description string
	Tag         string
	Importance  float64
	Enabled     bool
	Path        string
	Entries     []*memory.KnowledgeEntry
}

// Apply adds the pack's entries to lib and returns how many were added.
func (p Pack) Apply(lib *memory.Library) int {
	for _, e := range p.Entries {
		lib.Add(e)
	}
	return len(p.Entries)
}

// LoadPacks reads every <dir>/<pack>/KNOWLEDGE.md in name order. A missing
// directory is not an error.
func LoadPacks(dir string) ([]Pack, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat knowledge dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("knowledge path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read knowledge dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	packs := make([]Pack, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		packPath := filepath.Join(dir, entry.Name(), packFileName)
		pack, skip, err := parsePackFile(packPath, entry.Name())
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		if prevPath, exists := seen[pack.Name]; exists {
			return nil, fmt.Errorf("duplicate knowledge pack %q in %s (already in %s)", pack.Name, packPath, prevPath)
		}
		seen[pack.Name] = packPath
		packs = append(packs, pack)
	}
	return packs, nil
}

// LoadInto loads all packs under dir into lib and returns the entry count.
func LoadInto(dir string, lib *memory.Library) (int, error) {
	packs, err := LoadPacks(dir)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range packs {
		n := p.Apply(lib)
		log.Printf("[knowledge] loaded pack %s: %d entries", p.Name, n)
		total += n
	}
	return total, nil
}

func parsePackFile(path, dirName string) (Pack, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Pack{}, true, nil
		}
		return Pack{}, false, fmt.Errorf("read knowledge pack %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return Pack{}, false, fmt.Errorf("parse knowledge pack %q: %w", path, err)
	}

	pack := Pack{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Tag:         strings.TrimSpace(meta.Tag),
		Importance:  0.5,
		Enabled:     true,
		Path:        path,
	}
	if pack.Name == "" {
		pack.Name = dirName
	}
	if pack.Tag == "" {
		pack.Tag = memory.DefaultKnowledgeTag
	}
	if meta.Importance != nil {
		if *meta.Importance < 0 || *meta.Importance > 1 {
			return Pack{}, false, fmt.Errorf("parse knowledge pack %q: importance %v out of range [0,1]", path, *meta.Importance)
		}
		pack.Importance = *meta.Importance
	}
	if meta.Enabled != nil {
		pack.Enabled = *meta.Enabled
	}

	pack.Entries = memory.ParseKnowledgeText(body, pack.Tag)
	for _, e := range pack.Entries {
		e.Importance = pack.Importance
		e.Enabled = pack.Enabled
	}
	if len(pack.Entries) == 0 {
		log.Printf("[knowledge] warning: pack %s has no entries", path)
	}
	return pack, false, nil
}

func parseFrontmatter(content []byte) (packFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return packFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return packFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta packFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return packFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidPackYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
