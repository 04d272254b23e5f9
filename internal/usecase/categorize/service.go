// Package categorize подбирает категорию операции по описанию.
package categorize

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"finance-bot/internal/domain"
)

// DefaultCategory используется, когда ни правило, ни исправление не подошли.
const DefaultCategory = "outros"

//go:embed rules.yaml
var defaultRules []byte

// ErrNoRules — файл правил пуст.
var ErrNoRules = errors.New("пустой набор правил категорий")

// Rule — категория и ключевые слова, по которым она выбирается.
type Rule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules разбирает YAML с правилами.
func ParseRules(data []byte) ([]Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("разбор правил: %w", err)
	}
	rules := make([]Rule, 0, len(file.Rules))
	for _, r := range file.Rules {
		category := strings.ToLower(strings.TrimSpace(r.Category))
		if category == "" || len(r.Keywords) == 0 {
			continue
		}
		rules = append(rules, Rule{Category: category, Keywords: r.Keywords})
	}
	if len(rules) == 0 {
		return nil, ErrNoRules
	}
	return rules, nil
}

// LoadRules читает правила из файла. Пустой путь означает встроенные правила.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return ParseRules(defaultRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение правил %s: %w", path, err)
	}
	return ParseRules(data)
}

type compiledRule struct {
	category string
	pattern  *regexp.Regexp
}

// Classifier проверяет правила по порядку, затем исправления пользователя, затем категорию по умолчанию.
type Classifier struct {
	rules       []compiledRule
	corrections domain.CategoryCorrectionRepo
	fallback    string
}

// New создаёт классификатор. corrections может быть nil.
func New(rules []Rule, corrections domain.CategoryCorrectionRepo, fallback string) *Classifier {
	if fallback == "" {
		fallback = DefaultCategory
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		words := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				words = append(words, regexp.QuoteMeta(kw))
			}
		}
		if len(words) == 0 {
			continue
		}
		// \b не работает с буквами вне ASCII, поэтому границы слова заданы классом.
		pattern := regexp.MustCompile(`(?:^|[^\p{L}\p{N}])(?:` + strings.Join(words, "|") + `)(?:$|[^\p{L}\p{N}])`)
		compiled = append(compiled, compiledRule{category: r.Category, pattern: pattern})
	}
	return &Classifier{rules: compiled, corrections: corrections, fallback: fallback}
}

// Learn запоминает категорию, которую пользователь явно указал для описания. Описания,
// покрытые правилами, не сохраняются: правила проверяются раньше исправлений.
func (c *Classifier) Learn(ctx context.Context, userID int64, description, category string) error {
	lower := strings.ToLower(strings.TrimSpace(description))
	if c.corrections == nil || lower == "" || category == "" {
		return nil
	}
	for _, r := range c.rules {
		if r.pattern.MatchString(lower) {
			return nil
		}
	}
	if err := c.corrections.SaveCategoryCorrection(ctx, userID, lower, category); err != nil {
		return fmt.Errorf("сохранение исправления категории: %w", err)
	}
	return nil
}

// Categorize возвращает категорию для описания операции пользователя.
func (c *Classifier) Categorize(ctx context.Context, userID int64, description string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(description))
	if lower == "" {
		return c.fallback, nil
	}
	for _, r := range c.rules {
		if r.pattern.MatchString(lower) {
			return r.category, nil
		}
	}
	if c.corrections != nil {
		category, ok, err := c.corrections.FindCategoryCorrection(ctx, userID, lower)
		if err != nil {
			return "", fmt.Errorf("исправления категорий: %w", err)
		}
		if ok && category != "" {
			return category, nil
		}
	}
	return c.fallback, nil
}
