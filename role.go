package propolis

// Role is a named permission bundle for one object type. Direct grants
// reference roles; propagation derives further grants from the role's rules.
type Role struct {
	ID         int64
	ObjectType ObjectType
	Name       string
	Permissions

	// Internal hides system roles (such as CommentReader, which exists only
	// as a propagation target) from user-facing listings.
	Internal bool

	// NonEditable marks roles whose definition the application must not let
	// users modify.
	NonEditable bool

	// IsDeleteAllowed flips to false the first time any grant references the
	// role. Deleting in-use configuration is rejected with ErrRoleInUse.
	IsDeleteAllowed bool
}

// CommentReaderRole is the name of the internal role the comment mirroring
// hook grants on comments. Every schema that declares commentable types must
// define it for object type Comment.
const CommentReaderRole = "CommentReader"

// PropagatedRule derives additional grants from a base role by walking a
// path expression over the relationship graph. Exactly three shapes exist:
//
//   - down only: the grant on the anchor extends to objects the anchor
//     reaches via ForDownPath ("Control->Document").
//   - up only: the grant on the anchor extends to the objects pointing at it
//     via ForUpPath ("Assessment<-Audit").
//   - both: parent-scope. Walk ForUpPath to an intermediate scope object,
//     then fan back out via ForDownPath to the anchor's siblings
//     ("Assessment<-Audit" then "Audit->Evidence").
//
// The derived grants carry this rule's permission bits, which may be a
// strict subset of the base role's.
type PropagatedRule struct {
	ID     int64
	RoleID int64

	// ForUpPath holds only reverse hops and is anchored at the base role's
	// object type. Empty for down-only rules.
	ForUpPath string

	// ForDownPath holds only forward hops. Anchored at the base role's
	// object type when ForUpPath is empty, otherwise at ForUpPath's terminal
	// type. Empty for up-only rules.
	ForDownPath string

	Permissions
	IsDeleteAllowed bool

	// walk is the validated combined path, populated at registry build time.
	walk Path
}

// Walk returns the full validated walk for the rule (up hops followed by
// down hops, anchored at the base role's object type). Only meaningful on
// rules obtained from a built Registry.
func (r *PropagatedRule) Walk() Path {
	return r.walk
}
