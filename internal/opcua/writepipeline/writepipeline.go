// Package writepipeline implements the write pipeline (spec C12): it
// accepts dequeued property changes, batches/dedupes/chunks them, dispatches
// to the transport, classifies per-item status, and feeds the write-failure
// queue (C2) on transient failure.
package writepipeline

import (
	"context"
	"log/slog"

	"github.com/gopcua/opcua/ua"
	"golang.org/x/sync/semaphore"

	"github.com/andonworks/opcua-runtime/internal/opcua/convert"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/writequeue"
)

// Writer is the transport surface the pipeline needs.
type Writer interface {
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
}

// SessionSource supplies the current writer, or false if disconnected.
type SessionSource interface {
	CurrentWriter() (Writer, bool)
}

// ReadAfterWriteHook schedules a read for nodes whose SamplingInterval=0 was
// revised by the server to non-zero after a successful write (§4.12).
type ReadAfterWriteHook func(ctx context.Context, nodeIDs []model.NodeId)

// DataKeyNeedsReadAfterWrite, when present (and true) in a written
// property's data bag, marks it for the read-after-write hook.
const DataKeyNeedsReadAfterWrite = "opcua.needs_read_after_write"

// Pipeline is the write pipeline.
type Pipeline struct {
	queue             *writequeue.Queue
	sessionSource     SessionSource
	flushGate         *semaphore.Weighted
	maxNodesPerWrite  int
	readAfterWrite    ReadAfterWriteHook
	logger            *slog.Logger
}

// New builds a Pipeline. flushGate must be a single-permit semaphore shared
// by every caller of Submit/Flush (§5 "write flush gate").
func New(queue *writequeue.Queue, sessionSource SessionSource, flushGate *semaphore.Weighted, maxNodesPerWrite int, readAfterWrite ReadAfterWriteHook, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if maxNodesPerWrite <= 0 {
		maxNodesPerWrite = 100
	}
	return &Pipeline{queue: queue, sessionSource: sessionSource, flushGate: flushGate, maxNodesPerWrite: maxNodesPerWrite, readAfterWrite: readAfterWrite, logger: logger}
}

// Submit runs the fast path of §4.12 for a freshly-buffered batch of
// property changes.
func (p *Pipeline) Submit(ctx context.Context, changes []model.WriteChange) error {
	writer, ok := p.sessionSource.CurrentWriter()
	if !ok {
		p.queue.EnqueueBatch(changes)
		return nil
	}

	if !p.flushGate.TryAcquire(1) {
		// A flush (reconnect-triggered or another writer) is already
		// running; preserve order by enqueuing behind it.
		p.queue.EnqueueBatch(changes)
		return nil
	}
	defer p.flushGate.Release(1)

	if err := p.flushLocked(ctx, writer); err != nil {
		p.queue.EnqueueBatch(changes)
		return err
	}

	return p.dispatch(ctx, writer, dedupeTrailing(changes))
}

// Flush drains and retries the failure queue on its own, e.g. after a
// reconnect completes. It acquires the same gate Submit uses.
func (p *Pipeline) Flush(ctx context.Context) error {
	writer, ok := p.sessionSource.CurrentWriter()
	if !ok {
		return nil
	}
	if err := p.flushGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.flushGate.Release(1)
	return p.flushLocked(ctx, writer)
}

func (p *Pipeline) flushLocked(ctx context.Context, writer Writer) error {
	pending := p.queue.DequeueAll()
	if len(pending) == 0 {
		return nil
	}
	changes := make([]model.WriteChange, len(pending))
	for i, e := range pending {
		changes[i] = e.WriteChange
	}
	return p.dispatch(ctx, writer, dedupeTrailing(changes))
}

type projectedChange struct {
	change model.WriteChange
	nodeID model.NodeId
}

func (p *Pipeline) dispatch(ctx context.Context, writer Writer, changes []model.WriteChange) error {
	var projected []projectedChange
	for _, c := range changes {
		nodeID, ok := propertyNodeID(c.Property)
		if !ok {
			continue // no NodeId mapping: cannot be written, dropped silently
		}
		if _, hasSetter := c.Property.Setter(); !hasSetter {
			continue // no setter: cannot be written, dropped silently
		}
		projected = append(projected, projectedChange{change: c, nodeID: nodeID})
	}

	for offset := 0; offset < len(projected); offset += p.maxNodesPerWrite {
		end := offset + p.maxNodesPerWrite
		if end > len(projected) {
			end = len(projected)
		}
		chunk := projected[offset:end]

		if err := p.writeChunk(ctx, writer, chunk); err != nil {
			// Exception mid-batch: re-enqueue only the unsent tail,
			// preserving order (§4.12 step 6).
			tail := make([]model.WriteChange, 0, len(projected)-offset)
			for _, item := range projected[offset:] {
				tail = append(tail, item.change)
			}
			p.queue.EnqueueBatch(tail)
			return err
		}
	}
	return nil
}

func (p *Pipeline) writeChunk(ctx context.Context, writer Writer, chunk []projectedChange) error {
	req := &ua.WriteRequest{NodesToWrite: make([]*ua.WriteValue, 0, len(chunk))}
	for _, item := range chunk {
		variant, err := convert.ToWire(item.change.Value)
		if err != nil {
			p.logger.Warn("writepipeline: could not convert value, dropping", "node_id", item.nodeID.String(), "error", err)
			continue
		}
		id, err := ua.ParseNodeID(item.nodeID.String())
		if err != nil {
			p.logger.Warn("writepipeline: invalid node id, dropping", "node_id", item.nodeID.String(), "error", err)
			continue
		}
		req.NodesToWrite = append(req.NodesToWrite, &ua.WriteValue{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant},
		})
	}
	if len(req.NodesToWrite) == 0 {
		return nil
	}

	resp, err := writer.Write(ctx, req)
	if err != nil {
		return err
	}

	var readAfter []model.NodeId
	for i, item := range chunk {
		if i >= len(resp.Results) {
			break
		}
		switch classifyWriteStatus(resp.Results[i]) {
		case outcomeGood:
			if needsReadAfterWrite(item.change.Property) {
				readAfter = append(readAfter, item.nodeID)
			}
		case outcomePermanent:
			p.logger.Warn("writepipeline: permanent write failure, dropping", "node_id", item.nodeID.String(), "status", resp.Results[i])
		case outcomeTransient:
			p.queue.Enqueue(item.change)
		}
	}

	if len(readAfter) > 0 && p.readAfterWrite != nil {
		p.readAfterWrite(ctx, readAfter)
	}
	return nil
}

func needsReadAfterWrite(prop model.Property) bool {
	v, ok := prop.Data().Get(DataKeyNeedsReadAfterWrite)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func propertyNodeID(prop model.Property) (model.NodeId, bool) {
	v, ok := prop.Data().Get(model.DataKeyNodeID)
	if !ok {
		return model.NodeId{}, false
	}
	id, ok := v.(model.NodeId)
	return id, ok
}

// dedupeTrailing keeps only the last change per property within the batch,
// matching §5's last-writer-wins ordering guarantee, while preserving the
// order of first occurrence among the surviving properties.
func dedupeTrailing(changes []model.WriteChange) []model.WriteChange {
	order := make([]model.Property, 0, len(changes))
	last := make(map[model.Property]model.WriteChange, len(changes))
	for _, c := range changes {
		key := c.Property
		if _, seen := last[key]; !seen {
			order = append(order, key)
		}
		last[key] = c
	}
	out := make([]model.WriteChange, 0, len(order))
	for _, key := range order {
		out = append(out, last[key])
	}
	return out
}

type writeOutcome int

const (
	outcomeGood writeOutcome = iota
	outcomePermanent
	outcomeTransient
)

func classifyWriteStatus(status ua.StatusCode) writeOutcome {
	switch status {
	case ua.StatusOK:
		return outcomeGood
	case ua.StatusBadNodeIDUnknown, ua.StatusBadAttributeIDInvalid, ua.StatusBadTypeMismatch,
		ua.StatusBadWriteNotSupported, ua.StatusBadUserAccessDenied, ua.StatusBadNotWritable:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}
