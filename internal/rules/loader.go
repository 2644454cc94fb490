// Package rules loads procedural memories from RULE.md files.
//
// Each rule lives in its own directory as <dir>/<rule>/RULE.md: YAML frontmatter with
// name, context, importance and keywords, followed by the rule text.
package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/mnemos/internal/memory"
)

const ruleFileName = "RULE.md"

// Metadata keys set on seeded items.
const (
	MetaRule     = "rule"
	MetaSource   = "source_path"
	MetaKeywords = "keywords"
)

var errInvalidRuleYAML = errors.New("invalid rule YAML frontmatter")

// namespace makes rule ids stable across runs so reseeding updates in place.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mnemos:rules"))

type ruleFrontmatter struct {
	Name       string   `yaml:"name"`
	Context    string   `yaml:"context"`
	Importance *float64 `yaml:"importance"`
	Keywords   []string `yaml:"keywords"`
}

// Rule is one parsed RULE.md.
type Rule struct {
	Name       string
	Context    string
	Importance float64
	Keywords   []string
	Body       string
	Path       string
	ModTime    time.Time
}

// Load reads every <dir>/*/RULE.md in name order. A missing dir yields no rules; files
// with broken YAML are skipped with a warning.
func Load(dir string, log zerolog.Logger) ([]Rule, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat rules dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]Rule, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ruleFileName)
		rule, skip, err := parseRuleFile(path)
		if err != nil {
			if errors.Is(err, errInvalidRuleYAML) {
				log.Warn().Err(err).Str("path", path).Msg("skipping rule with invalid YAML")
				continue
			}
			return nil, err
		}
		if skip {
			continue
		}
		if prev, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q in %s (already in %s)", rule.Name, path, prev)
		}
		seen[rule.Name] = path
		out = append(out, rule)
	}
	return out, nil
}

func parseRuleFile(path string) (Rule, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Rule{}, true, nil
		}
		return Rule{}, false, fmt.Errorf("read rule %q: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Rule{}, false, fmt.Errorf("stat rule %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return Rule{}, false, fmt.Errorf("parse rule %q: %w", path, err)
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return Rule{}, false, fmt.Errorf("parse rule %q: missing name", path)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Rule{}, false, fmt.Errorf("parse rule %q: empty body", path)
	}
	importance := memory.DefaultImportance
	if meta.Importance != nil {
		importance = *meta.Importance
		if !memory.ValidImportance(importance) {
			return Rule{}, false, fmt.Errorf("parse rule %q: importance %v outside [0,1]", path, importance)
		}
	}

	contextTag := strings.TrimSpace(meta.Context)
	if contextTag == "" {
		contextTag = memory.DefaultContext
	}
	return Rule{
		Name:       name,
		Context:    contextTag,
		Importance: importance,
		Keywords:   sanitizeKeywords(meta.Keywords),
		Body:       body,
		Path:       path,
		ModTime:    info.ModTime().UTC(),
	}, false, nil
}

func parseFrontmatter(content []byte) (ruleFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return ruleFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return ruleFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta ruleFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return ruleFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidRuleYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func sanitizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// ID is the stable memory id of the rule.
func (r Rule) ID() string {
	return uuid.NewSHA1(namespace, []byte(r.Name)).String()
}

// Item converts the rule into a procedural memory shared by every owner.
func (r Rule) Item() memory.Item {
	it := memory.Item{
		ID:         r.ID(),
		Kind:       memory.Procedural,
		Content:    r.Body,
		Context:    r.Context,
		Importance: r.Importance,
		CreatedAt:  r.ModTime,
		Metadata: map[string]string{
			MetaRule:   r.Name,
			MetaSource: r.Path,
		},
	}
	if len(r.Keywords) > 0 {
		it.Metadata[MetaKeywords] = strings.Join(r.Keywords, ",")
	}
	it.Normalize()
	return it
}

// Rememberer stores items.
type Rememberer interface {
	Remember(ctx context.Context, item memory.Item) (memory.Item, error)
}

// Seed upserts every rule as a procedural memory and returns how many were written.
func Seed(ctx context.Context, dst Rememberer, rules []Rule) (int, error) {
	for i, r := range rules {
		if _, err := dst.Remember(ctx, r.Item()); err != nil {
			return i, fmt.Errorf("seed rule %s: %w", r.Name, err)
		}
	}
	return len(rules), nil
}
