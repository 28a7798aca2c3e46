package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier_DefaultRules(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		errText string
		want    Category
	}{
		{"no normalizer registered for webfleet/fuel", CategoryUnsupported},
		{"duplicate entry for transaction", CategoryDuplicate},
		{"record already exists", CategoryDuplicate},
		{"invalid format: expected ISO date", CategoryInvalidFormat},
		{"malformed payload", CategoryInvalidFormat},
		{"cannot parse amount", CategoryInvalidFormat},
		{"missing required field: odometer", CategoryMissingField},
		{"vehicle mapping not found for device 4711", CategoryMappingNotFound},
		{"no vehicle for card X99", CategoryMappingNotFound},
		{"401 unauthorized", CategoryAuthentication},
		{"invalid credentials", CategoryAuthentication},
		{"request timeout after 30s", CategoryTimeout},
		{"connection refused", CategoryTimeout},
		{"connection reset by peer", CategoryTimeout},
		{"something entirely novel happened", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.errText, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.errText))
		})
	}
}

func TestClassifier_CaseInsensitive(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, CategoryTimeout, c.Classify("Connection REFUSED"))
	assert.Equal(t, CategoryDuplicate, c.Classify("DUPLICATE Entry"))
}

func TestClassifier_FirstMatchWins(t *testing.T) {
	c := NewClassifier()

	// Contains both "duplicate" and "timeout"; "duplicate" is ordered first
	// in the defaults.
	assert.Equal(t, CategoryDuplicate, c.Classify("duplicate entry caused by timeout retry"))
}

func TestClassifier_OperatorRulesPrecedeDefaults(t *testing.T) {
	// An operator reclassifies a provider-specific timeout message as
	// permanent; the rule outranks the built-in timeout rule.
	c := NewClassifier(Rule{Pattern: "gateway timeout from billing", Category: CategoryInvalidFormat})

	assert.Equal(t, CategoryInvalidFormat, c.Classify("gateway timeout from billing export"))
	// Other timeouts still hit the default rule.
	assert.Equal(t, CategoryTimeout, c.Classify("request timeout after 30s"))
}

func TestClassifier_SkipsInvalidExtraRules(t *testing.T) {
	c := NewClassifier(
		Rule{Pattern: "", Category: CategoryTimeout},
		Rule{Pattern: "boom", Category: "nonsense"},
	)

	assert.Equal(t, len(DefaultRules()), c.RuleCount())
}

func TestClassifier_EmptyText(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, CategoryUnknown, c.Classify(""))
}

func TestClassifier_Retriable(t *testing.T) {
	c := NewClassifier()

	assert.True(t, c.Retriable("request timeout"))
	assert.True(t, c.Retriable("vehicle mapping not found"))
	assert.True(t, c.Retriable("unclassifiable mystery"))
	assert.False(t, c.Retriable("missing required field: amount"))
	assert.False(t, c.Retriable("no normalizer registered for x/y"))
}

func TestCategory_Retriable(t *testing.T) {
	assert.True(t, CategoryMappingNotFound.Retriable())
	assert.True(t, CategoryAuthentication.Retriable())
	assert.True(t, CategoryTimeout.Retriable())
	assert.True(t, CategoryUnknown.Retriable())
	assert.False(t, CategoryInvalidFormat.Retriable())
	assert.False(t, CategoryMissingField.Retriable())
	assert.False(t, CategoryDuplicate.Retriable())
	assert.False(t, CategoryUnsupported.Retriable())
}

func TestLoadClassifierConfig_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetsync.yaml")
	content := `error_rules:
  - pattern: "quota exceeded"
    category: "timeout"
  - pattern: "card terminated"
    category: "invalid_format"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadClassifierConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.ErrorRules, 2)

	rules := cfg.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, CategoryTimeout, rules[0].Category)
	assert.Equal(t, CategoryInvalidFormat, rules[1].Category)
}

func TestLoadClassifierConfig_MissingFile(t *testing.T) {
	cfg, err := LoadClassifierConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Empty(t, cfg.ErrorRules)
}

func TestLoadClassifierConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("error_rules: [unclosed"), 0o600))

	cfg, err := LoadClassifierConfig(path)

	// Graceful degradation: broken config never blocks startup.
	require.NoError(t, err)
	assert.Empty(t, cfg.ErrorRules)
}

func TestClassifierConfig_Rules_SkipsUnknownCategory(t *testing.T) {
	cfg := &ClassifierConfig{
		ErrorRules: []RuleConfig{
			{Pattern: "ok", Category: "timeout"},
			{Pattern: "bad", Category: "made_up"},
		},
	}

	rules := cfg.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].Pattern)
}
