package model

// Fixed collection names. The set is closed at engine initialization time;
// operations against any other name fail with ErrUnknownCollection.
const (
	Customers = "customers"
	Records   = "records"
	Tags      = "tags"
	Templates = "templates"
	Drafts    = "drafts"
	Archived  = "archived"
	Meta      = "meta"
)

// CollectionSpec describes one collection: its name and the payload fields
// that get a secondary index for equality lookup.
type CollectionSpec struct {
	Name    string
	Indexes []string

	// VersionExempt collections store raw values without schema-version
	// stamping (meta holds engine-internal keys that never migrate).
	VersionExempt bool
}

// Collections returns the fixed collection set. Records carry a customerId
// foreign key; every collection is additionally ordered by updatedAt via the
// envelope column, which needs no payload index.
func Collections() []CollectionSpec {
	return []CollectionSpec{
		{Name: Customers},
		{Name: Records, Indexes: []string{"customerId"}},
		{Name: Tags},
		{Name: Templates},
		{Name: Drafts, Indexes: []string{"customerId"}},
		{Name: Archived, Indexes: []string{"sourceCollection"}},
		{Name: Meta, VersionExempt: true},
	}
}

// Spec returns the spec for name, or ok=false if the name is not part of the
// fixed set.
func Spec(name string) (CollectionSpec, bool) {
	for _, c := range Collections() {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionSpec{}, false
}

// ForeignKey returns the payload field of child documents that references a
// parent document in owner, or "" when no such relation exists. Used by the
// re-keying ("keep both") import path.
func ForeignKey(owner, child string) string {
	if owner == Customers && (child == Records || child == Drafts) {
		return "customerId"
	}
	return ""
}

// ProtectedMetaKeys are meta-collection keys that must never be accepted from
// a remote UPDATE message: node identity and internal test markers.
var ProtectedMetaKeys = map[string]bool{
	"device.identity": true,
	"internal.test":   true,
}
