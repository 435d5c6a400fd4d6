// Package model defines the data contracts the OPC UA client runtime
// consumes from and produces for its collaborators. Subject, Property and
// Attribute are contracts only: the registry that actually stores the graph
// is an external collaborator (see spec §1, "out of scope") and is expected
// to implement these interfaces.
package model

import (
	"context"
	"regexp"
	"strconv"
	"time"
)

// NodeId is an opaque, server-scoped identifier. Two NodeIds are equal iff
// their string forms are equal; the zero value denotes "no id".
type NodeId struct {
	raw string
}

// ParseNodeId wraps a server-provided node id string.
func ParseNodeId(raw string) NodeId { return NodeId{raw: raw} }

func (n NodeId) String() string  { return n.raw }
func (n NodeId) IsZero() bool    { return n.raw == "" }
func (n NodeId) Equal(o NodeId) bool { return n.raw == o.raw }

var collectionIndexPattern = regexp.MustCompile(`\[(\d+)\]`)

// CollectionIndex parses the *last* `[N]` segment in the node id's path, used
// for collection-index reconciliation (§3, §4.10).
func (n NodeId) CollectionIndex() (int, bool) {
	matches := collectionIndexPattern.FindAllStringSubmatch(n.raw, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	idx, err := strconv.Atoi(last[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// WithCollectionIndex rewrites the trailing `[k]` segment to `[idx]`,
// leaving the rest of the path untouched. Used by collection-reindex
// rewrites (§4.10) performed through Registry.UpdateExternalID.
func (n NodeId) WithCollectionIndex(idx int) NodeId {
	loc := collectionIndexPattern.FindAllStringIndex(n.raw, -1)
	if len(loc) == 0 {
		return n
	}
	last := loc[len(loc)-1]
	return NodeId{raw: n.raw[:last[0]] + "[" + strconv.Itoa(idx) + "]" + n.raw[last[1]:]}
}

// PropertyKind is the tagged variant a property carries, dispatched on by
// the graph change receiver and subject loader rather than runtime
// polymorphism (§9 "Dynamic dispatch over property kinds").
type PropertyKind int

const (
	PropertyScalar PropertyKind = iota
	PropertyReference
	PropertyCollection
	PropertyDictionary
)

func (k PropertyKind) String() string {
	switch k {
	case PropertyScalar:
		return "scalar"
	case PropertyReference:
		return "reference"
	case PropertyCollection:
		return "collection"
	case PropertyDictionary:
		return "dictionary"
	default:
		return "unknown"
	}
}

// PropertyData is the opaque key-value bag a source attaches metadata to —
// chiefly a NodeId, but also monitored-item and source bookkeeping.
type PropertyData interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
}

// PropertyDataKey names the well-known keys this runtime reads and writes in
// a property's data bag.
const (
	DataKeyNodeID    = "opcua.node_id"
	DataKeyOwner     = "opcua.owner"
	DataKeyDynamic   = "opcua.dynamic"
	DataKeyContainer = "opcua.container_node_id"
)

// Setter is the write-side of a property: it stages a value to be pushed to
// the remote node. Its absence means the property cannot be written.
type Setter func(ctx context.Context, value any) error

// Property is a typed slot on a Subject.
type Property interface {
	Name() string
	Kind() PropertyKind
	Value() any
	Setter() (Setter, bool)
	Data() PropertyData

	// SetValueFromSource applies a value without re-emitting a change back
	// to the same source (§6).
	SetValueFromSource(source any, sourceTS, receivedTS time.Time, value any)

	// ClaimOwnership records source as the single owner of this property;
	// returns false (and does not mutate) if already claimed by another
	// source (§3 "exactly one owning source").
	ClaimOwnership(source any) bool
	ReleaseOwnership(source any)
	Owner() (any, bool)
}

// Attribute is a secondary, recursively browsable slot on a Property (e.g.
// engineering unit); it shares Property's mapping rules.
type Attribute interface {
	Property
	Owner() (any, bool)
}

// Subject is a local object with a stable identity, a set of properties, and
// optional parents.
type Subject interface {
	ID() string
	Properties() []Property
	Property(name string) (Property, bool)
	// AddProperty installs a property discovered after construction time
	// (the loader's dynamic-property path, §1) so later Property/Properties
	// lookups see it. A subject whose full property set is pre-mapped ahead
	// of discovery may implement this as a no-op.
	AddProperty(p Property)
	Parents() []Subject
	AddParent(p Subject)
	RemoveParent(p Subject)
}

// WriteChange is a staged local→server mutation awaiting dispatch (§3, §4.12).
type WriteChange struct {
	Property  Property
	Value     any
	ChangedAt time.Time
}

// PendingWriteEntry is a WriteChange sitting in the write failure queue,
// timestamped with its enqueue time (§3).
type PendingWriteEntry struct {
	WriteChange
	EnqueuedAt time.Time
}
