package segment

// ChangeKind tags the variant of a Change record: the tagged union
// backing the public update API.
type ChangeKind int8

const (
	// Insert replaces (or creates) a document's hash set.
	Insert ChangeKind = iota
	// Delete tombstones a document.
	Delete
	// SetAttribute records an index-wide key -> u64 attribute.
	SetAttribute
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case SetAttribute:
		return "set_attribute"
	default:
		return "unknown"
	}
}

// Change is one entry of an update batch. Exactly the fields relevant
// to Kind are meaningful; the rest are zero.
type Change struct {
	Kind ChangeKind

	// Insert, Delete
	ID     uint32
	Hashes []uint32 // Insert only

	// SetAttribute
	Name  string
	Value uint64
}

// NewInsert builds an Insert change.
func NewInsert(id uint32, hashes []uint32) Change {
	return Change{Kind: Insert, ID: id, Hashes: hashes}
}

// NewDelete builds a Delete change.
func NewDelete(id uint32) Change {
	return Change{Kind: Delete, ID: id}
}

// NewSetAttribute builds a SetAttribute change.
func NewSetAttribute(name string, value uint64) Change {
	return Change{Kind: SetAttribute, Name: name, Value: value}
}
