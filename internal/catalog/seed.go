package catalog

// Definition is one declarative pattern: a regexp predicate over proposal
// text plus the priors used before any outcomes accumulate.
type Definition struct {
	Name            string  `yaml:"name" json:"name"`
	Description     string  `yaml:"description" json:"description,omitempty"`
	Match           string  `yaml:"match" json:"match"`
	BaseSuccessRate float64 `yaml:"base_success_rate" json:"base_success_rate"`
	RiskMultiplier  float64 `yaml:"risk_multiplier" json:"risk_multiplier"`
	Weight          float64 `yaml:"weight" json:"weight"`
}

// defaultDefinitions are seeded on every startup. Seeding never overwrites
// accumulated statistics for a pattern that already exists.
var defaultDefinitions = []Definition{
	{
		Name:            "test-addition",
		Description:     "proposal adds or extends automated tests",
		Match:           `(?i)\b(test|spec|coverage)\b`,
		BaseSuccessRate: 0.75,
		RiskMultiplier:  1.1,
		Weight:          1.0,
	},
	{
		Name:            "dependency-update",
		Description:     "proposal bumps or swaps a dependency",
		Match:           `(?i)\b(dependency|dependencies|upgrade|bump)\b|go\.mod|package\.json`,
		BaseSuccessRate: 0.55,
		RiskMultiplier:  0.8,
		Weight:          1.0,
	},
	{
		Name:            "config-change",
		Description:     "proposal edits configuration or environment settings",
		Match:           `(?i)\b(config|settings|env(ironment)? var|yaml|toml)\b`,
		BaseSuccessRate: 0.6,
		RiskMultiplier:  0.9,
		Weight:          0.9,
	},
	{
		Name:            "database-migration",
		Description:     "proposal alters schema or moves data",
		Match:           `(?i)\b(migration|migrate|schema)\b|alter table|drop (table|column)`,
		BaseSuccessRate: 0.45,
		RiskMultiplier:  0.6,
		Weight:          1.2,
	},
	{
		Name:            "refactor",
		Description:     "proposal restructures code without behavior change",
		Match:           `(?i)\b(refactor|restructure|rename|extract|inline)\b`,
		BaseSuccessRate: 0.6,
		RiskMultiplier:  0.9,
		Weight:          0.9,
	},
	{
		Name:            "bugfix",
		Description:     "proposal fixes a reported defect",
		Match:           `(?i)\b(fix|bug|regression|crash|panic)\b`,
		BaseSuccessRate: 0.65,
		RiskMultiplier:  1.0,
		Weight:          1.0,
	},
	{
		Name:            "documentation",
		Description:     "proposal touches docs or comments only",
		Match:           `(?i)\b(doc(s|umentation)?|readme|comment)\b`,
		BaseSuccessRate: 0.85,
		RiskMultiplier:  1.2,
		Weight:          0.7,
	},
	{
		Name:            "security-patch",
		Description:     "proposal addresses a security issue",
		Match:           `(?i)\b(security|vulnerability|vulnerable|auth(entication|orization)?|credential)\b|CVE-\d`,
		BaseSuccessRate: 0.5,
		RiskMultiplier:  0.6,
		Weight:          1.2,
	},
	{
		Name:            "deployment",
		Description:     "proposal changes deploy or release machinery",
		Match:           `(?i)\b(deploy|release|rollout|helm|kubernetes|dockerfile)\b`,
		BaseSuccessRate: 0.45,
		RiskMultiplier:  0.5,
		Weight:          1.1,
	},
	{
		Name:            "error-handling",
		Description:     "proposal adds or reworks error paths",
		Match:           `(?i)\b(error handling|retry|timeout|backoff|recover)\b`,
		BaseSuccessRate: 0.6,
		RiskMultiplier:  0.9,
		Weight:          0.9,
	},
}
