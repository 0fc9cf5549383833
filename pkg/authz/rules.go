package authz

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/placefolio/placefolio/pkg/catalog"
)

// Rule is one declarative authorization rule. Exactly one grant mode
// applies per rule:
//
//   - Public: any identity, including guests, may perform the
//     operation (subject to the hidden-visibility gate).
//   - AuthorOnly: only the resource's own authoring identity; no
//     ownership relation, including administrator, substitutes.
//   - Authenticated: any signed-in identity.
//   - AnyOf: any of the listed ownership relations grants.
//
// GuestCreate additionally permits an absent identity to create the
// resource (guest reviews).
type Rule struct {
	Name          string     `yaml:"-"`
	Public        bool       `yaml:"public"`
	AuthorOnly    bool       `yaml:"author_only"`
	Authenticated bool       `yaml:"authenticated"`
	AnyOf         []Relation `yaml:"any_of"`
	GuestCreate   bool       `yaml:"guest_create"`
}

// RuleKey addresses one rule in the table.
type RuleKey struct {
	Resource  catalog.ResourceType
	Operation Operation
}

// RuleTable maps (resource type, operation) to its rule. Operations
// without a rule are denied.
type RuleTable map[RuleKey]Rule

// DefaultRules returns the built-in rule table.
func DefaultRules() RuleTable {
	t := RuleTable{
		{catalog.ResourceBusiness, OperationCreate}: {Authenticated: true},
		{catalog.ResourceBusiness, OperationRead}:   {Public: true},
		{catalog.ResourceBusiness, OperationUpdate}: {AnyOf: []Relation{RelationDirectOwner, RelationTeamMember, RelationAdministrator}},
		{catalog.ResourceBusiness, OperationDelete}: {AnyOf: []Relation{RelationDirectOwner, RelationAdministrator}},

		// Review edits belong to the authoring identity alone. Owning
		// the parent business grants nothing here, and neither does the
		// administrator role; guest reviews therefore can never be
		// edited (a nil author matches no identity).
		{catalog.ResourceReview, OperationCreate}: {Authenticated: true, GuestCreate: true},
		{catalog.ResourceReview, OperationRead}:   {Public: true},
		{catalog.ResourceReview, OperationUpdate}: {AuthorOnly: true},
		{catalog.ResourceReview, OperationDelete}: {AuthorOnly: true},

		{catalog.ResourceEvent, OperationCreate}: {AnyOf: []Relation{RelationAdministrator}},
		{catalog.ResourceEvent, OperationRead}:   {Public: true},
		{catalog.ResourceEvent, OperationUpdate}: {AnyOf: []Relation{RelationAdministrator}},
		{catalog.ResourceEvent, OperationDelete}: {AnyOf: []Relation{RelationAdministrator}},

		{catalog.ResourceImage, OperationCreate}: {AnyOf: []Relation{RelationDirectOwner, RelationTeamMember, RelationAdministrator}},
		{catalog.ResourceImage, OperationRead}:   {Public: true},
		{catalog.ResourceImage, OperationUpdate}: {AnyOf: []Relation{RelationDirectOwner, RelationTeamMember, RelationAdministrator}},
		{catalog.ResourceImage, OperationDelete}: {AnyOf: []Relation{RelationDirectOwner, RelationTeamMember, RelationAdministrator}},

		{catalog.ResourceVote, OperationCreate}: {Authenticated: true},
		{catalog.ResourceVote, OperationRead}:   {Public: true},
		{catalog.ResourceVote, OperationDelete}: {AuthorOnly: true},
	}

	for key, rule := range t {
		rule.Name = fmt.Sprintf("%s.%s", key.Resource, key.Operation)
		t[key] = rule
	}
	return t
}

// ruleFile is the YAML shape for overrides: resource type -> operation
// -> rule fields.
type ruleFile map[string]map[string]Rule

// LoadRulesFile reads rule overrides from a YAML file and merges them
// over the defaults. Overrides replace whole rules; operations absent
// from the file keep their built-in rule.
func LoadRulesFile(path string) (RuleTable, error) {
	table := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	for resource, ops := range file {
		for op, rule := range ops {
			key := RuleKey{catalog.ResourceType(resource), Operation(op)}
			rule.Name = fmt.Sprintf("%s.%s", resource, op)
			table[key] = rule
		}
	}

	return table, nil
}
