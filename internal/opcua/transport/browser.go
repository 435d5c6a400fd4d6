// Package transport adapts a live *opcua.Client onto the contracts the
// coordinator's collaborators need from the remote address space: browsing
// children and parents (graphchange.Browser) and dialling a fresh session
// (session's dialFn). It is the concrete, network-facing counterpart to the
// in-memory fakes the test suites use.
package transport

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/andonworks/opcua-runtime/internal/opcua/graphchange"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/session"
)

// hierarchicalReferences is the well-known ReferenceTypeId (ns=0;i=33) for
// the HierarchicalReferences reference type, browsed with subtypes included
// so every parent/child edge the server exposes is followed.
var hierarchicalReferences = ua.NewNumericNodeID(0, 33)

// maxReferencesPerNode bounds a single browse call. Continuation points are
// not followed, so references beyond this limit are not returned.
const maxReferencesPerNode = 1000

// ClientSource returns the client a Browser should currently browse
// against, or false if no session exists yet.
type ClientSource interface {
	CurrentClient() (*opcua.Client, bool)
}

// Browser implements graphchange.Browser (and the loader's own browsing
// need) against a live OPC UA session via the standard Browse service.
type Browser struct {
	source ClientSource
}

var _ graphchange.Browser = (*Browser)(nil)

// NewBrowser builds a Browser that reads its client from source.
func NewBrowser(source ClientSource) *Browser {
	return &Browser{source: source}
}

// BrowseChildren returns containerID's direct children, forward along
// hierarchical references.
func (b *Browser) BrowseChildren(ctx context.Context, containerID model.NodeId) ([]graphchange.ChildRef, error) {
	return b.browse(ctx, containerID, ua.BrowseDirectionForward)
}

// ParentOf resolves nodeID's immediate parent by browsing the inverse
// hierarchical reference; the browse name returned belongs to nodeID under
// that parent (inverse browsing still reports the forward browse name on
// ReferenceDescription.BrowseName per the standard's Browse service).
func (b *Browser) ParentOf(ctx context.Context, nodeID model.NodeId) (graphchange.ChildRef, error) {
	refs, err := b.browse(ctx, nodeID, ua.BrowseDirectionInverse)
	if err != nil {
		return graphchange.ChildRef{}, err
	}
	if len(refs) == 0 {
		return graphchange.ChildRef{}, fmt.Errorf("transport: node %s has no parent reference", nodeID.String())
	}
	return refs[0], nil
}

func (b *Browser) browse(ctx context.Context, nodeID model.NodeId, direction ua.BrowseDirection) ([]graphchange.ChildRef, error) {
	client, ok := b.source.CurrentClient()
	if !ok {
		return nil, fmt.Errorf("transport: no active session")
	}

	id, err := ua.ParseNodeID(nodeID.String())
	if err != nil {
		return nil, fmt.Errorf("transport: parsing node id %q: %w", nodeID.String(), err)
	}

	req := &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          id,
				BrowseDirection: direction,
				ReferenceTypeID: hierarchicalReferences,
				IncludeSubtypes: true,
				NodeClassMask:   uint32(ua.NodeClassAll),
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
		RequestedMaxReferencesPerNode: maxReferencesPerNode,
	}

	resp, err := client.Browse(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	refs := make([]graphchange.ChildRef, 0, len(resp.Results[0].References))
	for _, ref := range resp.Results[0].References {
		if ref == nil || ref.NodeID == nil {
			continue
		}
		browseName := ""
		if ref.BrowseName != nil {
			browseName = ref.BrowseName.Name
		}
		refs = append(refs, graphchange.ChildRef{
			NodeID:     model.ParseNodeId(ref.NodeID.NodeID.String()),
			BrowseName: browseName,
		})
	}
	return refs, nil
}

// DialSession connects a fresh *opcua.Client to cfg.EndpointURL, the
// concrete collaborator the session manager's dialFn needs (§4.8 "Create").
func DialSession(ctx context.Context, cfg session.Config) (*opcua.Client, error) {
	client, err := opcua.NewClient(cfg.EndpointURL)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// DefaultReconnector is the minimal session.Reconnector a host gets out of
// the box: always ready, redialling a fresh session via DialSession when
// triggered. A host whose transport exposes a real reconnect handshake
// (rather than a plain redial) overrides session.Reconnector with its own.
type DefaultReconnector struct {
	cfg session.Config
}

var _ session.Reconnector = (*DefaultReconnector)(nil)

// NewDefaultReconnector builds a DefaultReconnector that redials cfg.
func NewDefaultReconnector(cfg session.Config) *DefaultReconnector {
	return &DefaultReconnector{cfg: cfg}
}

func (r *DefaultReconnector) State() session.HandlerState { return session.HandlerReady }

func (r *DefaultReconnector) BeginReconnect(ctx context.Context, onDone func(newClient *opcua.Client, err error)) {
	go func() {
		client, err := DialSession(ctx, r.cfg)
		onDone(client, err)
	}()
}
