package propolis

import (
	"fmt"
	"sort"
)

// roleKey identifies a role by its anchor type and name.
type roleKey struct {
	objectType ObjectType
	name       string
}

// Registry is the process-wide, read-only view of roles and propagation
// rules. It is built once (per process or after an explicit reload), every
// rule validated up front, and is safe for concurrent reads without locking.
// Propagation never parses a path expression at runtime; a registry that
// built successfully cannot fail on rule syntax later.
type Registry struct {
	rolesByID   map[int64]*Role
	rolesByKey  map[roleKey]*Role
	rulesByID   map[int64]*PropagatedRule
	rulesByRole map[int64][]*PropagatedRule
	scopeSets   map[ObjectType]map[ObjectType]bool
	commentable map[ObjectType]bool
}

// BuildRegistry validates roles and rules and assembles the immutable
// registry. All validation errors wrap ErrInvalidRule and name the offending
// role or path, so a bad schema fails loudly at startup rather than
// mid-propagation.
func BuildRegistry(roles []Role, rules []PropagatedRule, commentable []ObjectType) (*Registry, error) {
	if len(roles) == 0 {
		return nil, ErrEmptyRegistry
	}

	reg := &Registry{
		rolesByID:   make(map[int64]*Role, len(roles)),
		rolesByKey:  make(map[roleKey]*Role, len(roles)),
		rulesByID:   make(map[int64]*PropagatedRule, len(rules)),
		rulesByRole: make(map[int64][]*PropagatedRule),
		scopeSets:   make(map[ObjectType]map[ObjectType]bool),
		commentable: make(map[ObjectType]bool, len(commentable)),
	}

	for i := range roles {
		r := &roles[i]
		key := roleKey{r.ObjectType, r.Name}
		if _, dup := reg.rolesByKey[key]; dup {
			return nil, fmt.Errorf("%w: duplicate role %s/%s", ErrInvalidRule, r.ObjectType, r.Name)
		}
		reg.rolesByID[r.ID] = r
		reg.rolesByKey[key] = r
	}

	for i := range rules {
		rule := &rules[i]
		role, ok := reg.rolesByID[rule.RoleID]
		if !ok {
			return nil, fmt.Errorf("%w: rule %d references unknown role id %d", ErrInvalidRule, rule.ID, rule.RoleID)
		}
		walk, err := validateRule(role, rule)
		if err != nil {
			return nil, err
		}
		rule.walk = walk
		reg.rulesByID[rule.ID] = rule
		reg.rulesByRole[rule.RoleID] = append(reg.rulesByRole[rule.RoleID], rule)
		reg.addScopes(walk)
	}

	for _, t := range commentable {
		reg.commentable[t] = true
	}
	if len(reg.commentable) > 0 {
		if _, ok := reg.rolesByKey[roleKey{TypeComment, CommentReaderRole}]; !ok {
			return nil, fmt.Errorf("%w: commentable types declared but no %s/%s role defined",
				ErrInvalidRule, TypeComment, CommentReaderRole)
		}
	}

	return reg, nil
}

// validateRule checks one rule's shape and returns its combined walk.
//
// Constraints: at least one path set; up paths contain only reverse hops and
// anchor at the role's type; down paths contain only forward hops; when both
// are set the down path anchors at the up path's terminal (the parent-scope
// shape), otherwise at the role's type.
func validateRule(role *Role, rule *PropagatedRule) (Path, error) {
	if rule.ForUpPath == "" && rule.ForDownPath == "" {
		return Path{}, fmt.Errorf("%w: rule %d on role %s/%s has no path",
			ErrInvalidRule, rule.ID, role.ObjectType, role.Name)
	}

	var up, down Path
	var err error

	if rule.ForUpPath != "" {
		if up, err = ParsePath(rule.ForUpPath); err != nil {
			return Path{}, fmt.Errorf("%w (role %s/%s)", err, role.ObjectType, role.Name)
		}
		if up.Anchor != role.ObjectType {
			return Path{}, fmt.Errorf("%w: up path %q must anchor at %s",
				ErrInvalidRule, rule.ForUpPath, role.ObjectType)
		}
		if len(up.Hops) == 0 {
			return Path{}, fmt.Errorf("%w: up path %q has no hops", ErrInvalidRule, rule.ForUpPath)
		}
		for _, h := range up.Hops {
			if h.Dir != Reverse {
				return Path{}, fmt.Errorf("%w: up path %q contains a forward hop",
					ErrInvalidRule, rule.ForUpPath)
			}
		}
	}

	if rule.ForDownPath != "" {
		if down, err = ParsePath(rule.ForDownPath); err != nil {
			return Path{}, fmt.Errorf("%w (role %s/%s)", err, role.ObjectType, role.Name)
		}
		wantAnchor := role.ObjectType
		if rule.ForUpPath != "" {
			wantAnchor = up.Terminal()
		}
		if down.Anchor != wantAnchor {
			return Path{}, fmt.Errorf("%w: down path %q must anchor at %s",
				ErrInvalidRule, rule.ForDownPath, wantAnchor)
		}
		if len(down.Hops) == 0 {
			return Path{}, fmt.Errorf("%w: down path %q has no hops", ErrInvalidRule, rule.ForDownPath)
		}
		for _, h := range down.Hops {
			if h.Dir != Forward {
				return Path{}, fmt.Errorf("%w: down path %q contains a reverse hop",
					ErrInvalidRule, rule.ForDownPath)
			}
		}
	}

	switch {
	case rule.ForUpPath == "":
		return down, nil
	case rule.ForDownPath == "":
		return up, nil
	default:
		return up.Concat(down), nil
	}
}

// addScopes folds one rule walk into the type scope table. For every forward
// step, each type later in the chain is reachable from each earlier type, so
// a down walk Program->Audit->Assessment contributes Audit and Assessment to
// Program's scope and Assessment to Audit's. Reverse hops contribute
// nothing; bucket propagation only tracks downward reach.
func (r *Registry) addScopes(walk Path) {
	chain := []ObjectType{walk.Anchor}
	for _, h := range walk.Hops {
		if h.Dir != Forward {
			// Restart the chain below the up-segment: the down fan-out is
			// anchored at the hop's type, not the original anchor.
			chain = []ObjectType{h.Type}
			continue
		}
		for _, ancestor := range chain {
			set := r.scopeSets[ancestor]
			if set == nil {
				set = make(map[ObjectType]bool)
				r.scopeSets[ancestor] = set
			}
			set[h.Type] = true
		}
		chain = append(chain, h.Type)
	}
}

// BaseRole returns the role registered for (objectType, name).
func (r *Registry) BaseRole(objectType ObjectType, name string) (*Role, error) {
	role, ok := r.rolesByKey[roleKey{objectType, name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownRole, objectType, name)
	}
	return role, nil
}

// RoleByID returns the role with the given id, or nil if the registry has
// never seen it. Propagation uses the nil result to detect orphan role
// references and skip (not crash on) grants pointing at deleted roles.
func (r *Registry) RoleByID(id int64) *Role {
	return r.rolesByID[id]
}

// RuleByID returns the propagation rule with the given id, or nil. As with
// RoleByID, a nil result marks an orphan reference.
func (r *Registry) RuleByID(id int64) *PropagatedRule {
	return r.rulesByID[id]
}

// RulesFor returns the propagation rules attached to a base role.
func (r *Registry) RulesFor(roleID int64) []*PropagatedRule {
	return r.rulesByRole[roleID]
}

// IsInternal reports whether the role is a hidden system role.
func (r *Registry) IsInternal(roleID int64) bool {
	role := r.rolesByID[roleID]
	return role != nil && role.Internal
}

// IsCommentable reports whether objects of the given type accept comments
// and therefore participate in comment ACL mirroring.
func (r *Registry) IsCommentable(t ObjectType) bool {
	return r.commentable[t]
}

// InScope reports whether child is in parent's scope set: some rule's down
// walk can reach a child-typed object from a parent-typed one. Bucket
// propagation uses this to discard edges no rule could ever traverse.
func (r *Registry) InScope(parent, child ObjectType) bool {
	return r.scopeSets[parent][child]
}

// ScopeSet returns the sorted scope set for a type. Primarily for
// diagnostics (`propolis status`) and tests.
func (r *Registry) ScopeSet(t ObjectType) []ObjectType {
	set := r.scopeSets[t]
	out := make([]ObjectType, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Roles returns all registered roles, sorted by object type then name, with
// internal roles excluded unless includeInternal is set.
func (r *Registry) Roles(includeInternal bool) []*Role {
	out := make([]*Role, 0, len(r.rolesByID))
	for _, role := range r.rolesByID {
		if role.Internal && !includeInternal {
			continue
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObjectType != out[j].ObjectType {
			return out[i].ObjectType < out[j].ObjectType
		}
		return out[i].Name < out[j].Name
	})
	return out
}
