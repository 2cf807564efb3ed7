// Package rules manages categorization rules: keyword rules that map ISTAT
// dataflow names onto statistical categories. Rules live in the metadata
// store; a YAML seed file provides the starting set for fresh deployments.
package rules

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/osservatorio-istat/osservatorio/internal/config"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// DefaultSeedPath is the default location of the rule seed file.
const DefaultSeedPath = ".osservatorio-rules.yaml"

// SeedPathEnvVar is the environment variable name for a custom seed path.
const SeedPathEnvVar = "OSV_RULES_SEED_PATH"

// SeedFile is the YAML shape of the rule seed.
type SeedFile struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Rules []SeedRule `yaml:"categorization_rules"`
}

// SeedRule is one rule entry in the seed file.
type SeedRule struct {
	RuleID      string   `yaml:"rule_id"`
	Category    string   `yaml:"category"`
	Keywords    []string `yaml:"keywords"`
	Priority    int      `yaml:"priority"`
	Description string   `yaml:"description"`
}

// LoadSeed loads the rule seed from a YAML file at the given path.
//
// Behavior:
//   - Returns the built-in defaults (not an error) if the file doesn't exist
//   - Returns the defaults + logs a warning if the YAML is invalid
//   - Returns the parsed rules on success
//
// Graceful degradation keeps the server bootable without a seed file; the
// built-in defaults cover the standard ISTAT categories.
func LoadSeed(path string) []*storage.CategorizationRule {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Rule seed file not found, using built-in defaults",
				slog.String("path", path))

			return DefaultRules()
		}

		slog.Warn("Failed to read rule seed file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultRules()
	}

	if len(data) == 0 {
		return DefaultRules()
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		slog.Warn("Failed to parse rule seed file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultRules()
	}

	if len(seed.Rules) == 0 {
		return DefaultRules()
	}

	rules := make([]*storage.CategorizationRule, 0, len(seed.Rules))

	for _, r := range seed.Rules {
		rules = append(rules, &storage.CategorizationRule{
			RuleID:      r.RuleID,
			Category:    r.Category,
			Keywords:    storage.NormalizeKeywords(r.Keywords),
			Priority:    r.Priority,
			IsActive:    true,
			Description: r.Description,
		})
	}

	return rules
}

// LoadSeedFromEnv loads the seed from the path in OSV_RULES_SEED_PATH,
// falling back to the default location.
func LoadSeedFromEnv() []*storage.CategorizationRule {
	return LoadSeed(config.GetEnvStr(SeedPathEnvVar, DefaultSeedPath))
}

// DefaultRules returns the built-in rule set covering the standard ISTAT
// statistical categories. Keyword lists mix Italian and English terms since
// dataflow names appear in both languages.
func DefaultRules() []*storage.CategorizationRule {
	return []*storage.CategorizationRule{
		{
			RuleID:      "popolazione-base",
			Category:    storage.CategoryPopolazione,
			Keywords:    []string{"popolazione", "population", "residenti", "demografia", "demographic", "natalita", "mortalita", "famiglie"},
			Priority:    8,
			IsActive:    true,
			Description: "Population and demographics dataflows",
		},
		{
			RuleID:      "economia-base",
			Category:    storage.CategoryEconomia,
			Keywords:    []string{"pil", "gdp", "economia", "economy", "prezzi", "inflazione", "consumi", "imprese", "commercio"},
			Priority:    7,
			IsActive:    true,
			Description: "Economic indicators dataflows",
		},
		{
			RuleID:      "lavoro-base",
			Category:    storage.CategoryLavoro,
			Keywords:    []string{"lavoro", "occupazione", "employment", "disoccupazione", "unemployment", "retribuzioni", "salari"},
			Priority:    7,
			IsActive:    true,
			Description: "Labour market dataflows",
		},
		{
			RuleID:      "territorio-base",
			Category:    storage.CategoryTerritorio,
			Keywords:    []string{"territorio", "territorial", "comuni", "province", "regioni", "ambiente", "urbanizzazione"},
			Priority:    6,
			IsActive:    true,
			Description: "Territorial and environmental dataflows",
		},
		{
			RuleID:      "istruzione-base",
			Category:    storage.CategoryIstruzione,
			Keywords:    []string{"istruzione", "education", "scuola", "universita", "formazione", "studenti"},
			Priority:    6,
			IsActive:    true,
			Description: "Education dataflows",
		},
		{
			RuleID:      "salute-base",
			Category:    storage.CategorySalute,
			Keywords:    []string{"salute", "health", "sanita", "ospedali", "malattie", "assistenza"},
			Priority:    6,
			IsActive:    true,
			Description: "Health dataflows",
		},
	}
}
