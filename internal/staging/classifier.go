// Error classification for failed normalizations.
//
// Normalizers report failures as free-text error messages, so classification
// is an ordered list of (pattern, category) rules evaluated top-to-bottom
// against the stored text. This is inherently heuristic; a structured error
// kind emitted by normalizers would replace it, but matching message text is
// what the current normalizer contract gives us.
package staging

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fleetsync-io/fleetsync/internal/config"
)

type (
	// Category classifies a normalization failure as retriable or permanent.
	Category string

	// Rule maps a case-insensitive substring pattern to a category. Rules
	// are ordered; the first match wins.
	Rule struct {
		Pattern  string
		Category Category
	}

	// Classifier evaluates ordered rules against error text. Immutable after
	// construction; safe for concurrent use.
	Classifier struct {
		rules []Rule
	}

	// ClassifierConfig holds operator-supplied classification rules loaded
	// from the fleetsync YAML config file. Operator rules are evaluated
	// before the built-in defaults, so a deployment can reclassify a
	// provider-specific message without a code change.
	ClassifierConfig struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ErrorRules []RuleConfig `yaml:"error_rules"`
	}

	// RuleConfig is the YAML form of a classification rule.
	RuleConfig struct {
		Pattern  string `yaml:"pattern"`
		Category string `yaml:"category"`
	}
)

const (
	// CategoryMappingNotFound covers failures where the vehicle link for the
	// event's external id does not exist yet. Retriable: the link is usually
	// created later and a retry then succeeds.
	CategoryMappingNotFound Category = "mapping_not_found"

	// CategoryAuthentication covers upstream credential failures. Retriable.
	CategoryAuthentication Category = "authentication"

	// CategoryTimeout covers timeouts and connection failures. Retriable.
	CategoryTimeout Category = "timeout"

	// CategoryInvalidFormat covers malformed payloads. Permanent.
	CategoryInvalidFormat Category = "invalid_format"

	// CategoryMissingField covers payloads missing required fields. Permanent.
	CategoryMissingField Category = "missing_field"

	// CategoryDuplicate covers duplicate-detection failures. Permanent.
	CategoryDuplicate Category = "duplicate"

	// CategoryUnsupported covers dispatch misses: no normalizer registered
	// for the record's (provider, feature) pair. Permanent: retrying cannot
	// make a registration appear.
	CategoryUnsupported Category = "unsupported"

	// CategoryUnknown is the fallback when no rule matches. Treated as
	// retriable so operators do not have to investigate before retrying.
	CategoryUnknown Category = "unknown"
)

// DefaultConfigPath is the default location for the fleetsync configuration
// file. Hidden-file format following common tool conventions.
const DefaultConfigPath = ".fleetsync.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "FLEETSYNC_CONFIG_PATH"

// ErrUnknownCategory indicates a config rule naming a category this version
// does not know.
var ErrUnknownCategory = errors.New("unknown error category")

// Retriable reports whether failures in this category are eligible for retry
// without operator investigation.
func (c Category) Retriable() bool {
	switch c {
	case CategoryMappingNotFound, CategoryAuthentication, CategoryTimeout, CategoryUnknown:
		return true
	case CategoryInvalidFormat, CategoryMissingField, CategoryDuplicate, CategoryUnsupported:
		return false
	default:
		return false
	}
}

// IsValid checks if the Category is a known value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryMappingNotFound, CategoryAuthentication, CategoryTimeout,
		CategoryInvalidFormat, CategoryMissingField, CategoryDuplicate,
		CategoryUnsupported, CategoryUnknown:
		return true
	default:
		return false
	}
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// DefaultRules returns the built-in classification rules, ordered. Specific
// permanent patterns come before the broader retriable ones so that e.g.
// "duplicate entry" is not swallowed by a generic match.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "no normalizer registered", Category: CategoryUnsupported},
		{Pattern: "duplicate", Category: CategoryDuplicate},
		{Pattern: "already exists", Category: CategoryDuplicate},
		{Pattern: "invalid format", Category: CategoryInvalidFormat},
		{Pattern: "malformed", Category: CategoryInvalidFormat},
		{Pattern: "cannot parse", Category: CategoryInvalidFormat},
		{Pattern: "missing required", Category: CategoryMissingField},
		{Pattern: "required field", Category: CategoryMissingField},
		{Pattern: "mapping not found", Category: CategoryMappingNotFound},
		{Pattern: "vehicle not found", Category: CategoryMappingNotFound},
		{Pattern: "no vehicle", Category: CategoryMappingNotFound},
		{Pattern: "unauthorized", Category: CategoryAuthentication},
		{Pattern: "authentication", Category: CategoryAuthentication},
		{Pattern: "invalid credentials", Category: CategoryAuthentication},
		{Pattern: "timeout", Category: CategoryTimeout},
		{Pattern: "timed out", Category: CategoryTimeout},
		{Pattern: "connection refused", Category: CategoryTimeout},
		{Pattern: "connection reset", Category: CategoryTimeout},
	}
}

// NewClassifier creates a classifier from the given rules followed by the
// built-in defaults. Rules with an empty pattern are skipped with a warning.
func NewClassifier(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+len(DefaultRules()))

	for _, r := range extra {
		if strings.TrimSpace(r.Pattern) == "" {
			slog.Warn("Skipping classification rule with empty pattern",
				slog.String("category", r.Category.String()))

			continue
		}

		if !r.Category.IsValid() {
			slog.Warn("Skipping classification rule with unknown category",
				slog.String("pattern", r.Pattern),
				slog.String("category", r.Category.String()))

			continue
		}

		rules = append(rules, Rule{Pattern: strings.ToLower(r.Pattern), Category: r.Category})
	}

	for _, r := range DefaultRules() {
		rules = append(rules, Rule{Pattern: strings.ToLower(r.Pattern), Category: r.Category})
	}

	return &Classifier{rules: rules}
}

// RuleCount returns the number of active rules.
func (c *Classifier) RuleCount() int {
	if c == nil {
		return 0
	}

	return len(c.rules)
}

// Classify returns the category for an error message. First matching rule
// wins; no match yields CategoryUnknown.
func (c *Classifier) Classify(errText string) Category {
	if c == nil || errText == "" {
		return CategoryUnknown
	}

	lowered := strings.ToLower(errText)

	for _, rule := range c.rules {
		if strings.Contains(lowered, rule.Pattern) {
			return rule.Category
		}
	}

	return CategoryUnknown
}

// Retriable reports whether the error message classifies as retriable.
func (c *Classifier) Retriable(errText string) bool {
	return c.Classify(errText).Retriable()
}

// LoadClassifierConfig loads operator classification rules from a YAML file.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - rules are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// Graceful degradation ensures the service starts with the built-in rules
// even when the config file is absent or broken.
func LoadClassifierConfig(path string) (*ClassifierConfig, error) {
	cfg := &ClassifierConfig{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, using built-in classification rules",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, using built-in classification rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, using built-in classification rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &ClassifierConfig{}, nil
	}

	return cfg, nil
}

// LoadClassifierConfigFromEnv loads rules from the path in
// FLEETSYNC_CONFIG_PATH, falling back to ".fleetsync.yaml".
func LoadClassifierConfigFromEnv() (*ClassifierConfig, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadClassifierConfig(path)
}

// Rules converts the YAML config into ordered classification rules, skipping
// entries with unknown categories.
func (cc *ClassifierConfig) Rules() []Rule {
	if cc == nil || len(cc.ErrorRules) == 0 {
		return nil
	}

	rules := make([]Rule, 0, len(cc.ErrorRules))

	for _, rc := range cc.ErrorRules {
		cat := Category(rc.Category)
		if !cat.IsValid() {
			slog.Warn("Skipping config rule with unknown category",
				slog.String("pattern", rc.Pattern),
				slog.String("category", rc.Category))

			continue
		}

		rules = append(rules, Rule{Pattern: rc.Pattern, Category: cat})
	}

	return rules
}
