package propolis

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Schema is the on-disk authoring format for roles and propagation rules,
// conventionally schemas/roles.yaml:
//
//	commentable:
//	  - Control
//	  - Assessment
//	roles:
//	  - object_type: Control
//	    name: Admin
//	    read: true
//	    update: true
//	    delete: true
//	    propagated:
//	      - down: Control->Document
//	        read: true
//	        update: true
//	      - down: Control->Document->Comment
//	        read: true
//	  - object_type: Comment
//	    name: CommentReader
//	    internal: true
//	    read: true
//
// The Migrator loads a Schema into the database; the Registry is then built
// from the stored rows so that rule ids are stable across processes.
type Schema struct {
	// Commentable lists object types that accept comments and participate
	// in comment ACL mirroring.
	Commentable []string `json:"commentable,omitempty"`

	Roles []RoleDef `json:"roles"`
}

// RoleDef defines one role in the schema file.
type RoleDef struct {
	ObjectType  string `json:"object_type"`
	Name        string `json:"name"`
	Read        bool   `json:"read"`
	Update      bool   `json:"update"`
	Delete      bool   `json:"delete"`
	Internal    bool   `json:"internal,omitempty"`
	NonEditable bool   `json:"non_editable,omitempty"`

	Propagated []RuleDef `json:"propagated,omitempty"`
}

// RuleDef defines one propagation rule. Up holds the reverse-hop segment
// ("Assessment<-Audit"), Down the forward segment; a rule with both is the
// parent-scope shape.
type RuleDef struct {
	Up            string `json:"up,omitempty"`
	Down          string `json:"down,omitempty"`
	Read          bool   `json:"read"`
	Update        bool   `json:"update"`
	Delete        bool   `json:"delete"`
	DeleteAllowed bool   `json:"delete_allowed,omitempty"`
}

// ParseSchema reads and parses a YAML schema file.
func ParseSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	return ParseSchemaString(string(data))
}

// ParseSchemaString parses schema YAML from a string.
func ParseSchemaString(s string) (*Schema, error) {
	var schema Schema
	if err := yaml.UnmarshalStrict([]byte(s), &schema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if len(schema.Roles) == 0 {
		return nil, fmt.Errorf("%w: schema defines no roles", ErrInvalidRule)
	}
	return &schema, nil
}

// Validate checks every role and rule in the schema by building a throwaway
// registry with synthetic ids. This is the one-time configuration check: a
// schema that validates here cannot produce path errors at propagation time.
func (s *Schema) Validate() error {
	_, err := s.buildRegistry()
	return err
}

// buildRegistry converts the schema to a Registry using synthetic ids.
// Used by Validate and by tests that want a registry without a database;
// production registries come from LoadRegistry so ids match stored rows.
func (s *Schema) buildRegistry() (*Registry, error) {
	roles, rules := s.rows()
	return BuildRegistry(roles, rules, s.commentableTypes())
}

// rows flattens the schema into Role and PropagatedRule values with
// synthetic sequential ids.
func (s *Schema) rows() ([]Role, []PropagatedRule) {
	var roles []Role
	var rules []PropagatedRule
	var roleID, ruleID int64

	for _, rd := range s.Roles {
		roleID++
		roles = append(roles, Role{
			ID:         roleID,
			ObjectType: ObjectType(rd.ObjectType),
			Name:       rd.Name,
			Permissions: Permissions{
				Read:   rd.Read,
				Update: rd.Update,
				Delete: rd.Delete,
			},
			Internal:        rd.Internal,
			NonEditable:     rd.NonEditable,
			IsDeleteAllowed: true,
		})
		for _, pd := range rd.Propagated {
			ruleID++
			rules = append(rules, PropagatedRule{
				ID:          ruleID,
				RoleID:      roleID,
				ForUpPath:   pd.Up,
				ForDownPath: pd.Down,
				Permissions: Permissions{
					Read:   pd.Read,
					Update: pd.Update,
					Delete: pd.Delete,
				},
				IsDeleteAllowed: pd.DeleteAllowed,
			})
		}
	}

	return roles, rules
}

func (s *Schema) commentableTypes() []ObjectType {
	out := make([]ObjectType, 0, len(s.Commentable))
	for _, t := range s.Commentable {
		out = append(out, ObjectType(t))
	}
	return out
}
