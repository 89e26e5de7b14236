package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/admission"
	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/partition"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

// PermissionChecker gates each op by verb and map name against a principal.
type PermissionChecker func(principal *auth.Principal, verb pipeline.Verb, mapName string) bool

// PeerForwarder sends an op to the partition owner's node. For
// write-concern tracking purposes, a successful forward marks REPLICATED.
type PeerForwarder func(nodeID string, op *pipeline.Op) error

// PendingOp is one accepted op within a batch, carrying its effective
// Write Concern (per-op override, else batch-level, else MEMORY).
type PendingOp struct {
	Op      *pipeline.Op
	Concern pipeline.WriteConcern
}

// Frame is the inbound OP_BATCH request.
type Frame struct {
	Ops          []*pipeline.Op
	BatchConcern pipeline.WriteConcern
	Timeout      time.Duration
}

// Processor implements the Batch Processor.
type Processor struct {
	pipeline   *pipeline.Pipeline
	tracker    *Tracker
	regulator  *admission.Regulator
	partition  partition.Service
	checkPerm  PermissionChecker
	forward    PeerForwarder
	broadcastBatch func(events []pipeline.BatchEvent, excludeSessionID string)
}

func NewProcessor(p *pipeline.Pipeline, tracker *Tracker, regulator *admission.Regulator, svc partition.Service, checkPerm PermissionChecker, forward PeerForwarder, broadcastBatch func([]pipeline.BatchEvent, string)) *Processor {
	return &Processor{
		pipeline: p, tracker: tracker, regulator: regulator, partition: svc,
		checkPerm: checkPerm, forward: forward, broadcastBatch: broadcastBatch,
	}
}

// Submit implements the admission path for one batch from session: fast
// permission validation, early-ack/deferred classification, the leading
// OP_ACK, pending-write registration, then async processing.
func (proc *Processor) Submit(ctx context.Context, session *transport.Session, frame *Frame) {
	// (1) fast validation pass: permission check per op
	var accepted []*pipeline.Op
	denied := 0
	for _, op := range frame.Ops {
		verb := verbForPermission(op.Verb)
		if proc.checkPerm != nil && !proc.checkPerm(session.Principal(), verb, op.MapName) {
			denied++
			continue
		}
		accepted = append(accepted, op)
	}
	if denied > 0 {
		data, _ := wire.EncodeJSON(wire.TypeError, map[string]interface{}{
			"code":    403,
			"message": fmt.Sprintf("Partial batch failure: %d ops denied", denied),
		})
		session.Writer.WriteRaw(data, true)
	}
	if len(accepted) == 0 {
		return
	}

	// (2) classify
	var earlyAck []*pipeline.Op
	var deferred []*PendingOp
	for _, op := range accepted {
		concern := op.WriteConcern
		if concern == "" {
			concern = frame.BatchConcern
		}
		if concern == "" {
			concern = pipeline.ConcernMemory
		}
		if concern == pipeline.ConcernFireAndForget || concern == pipeline.ConcernMemory {
			earlyAck = append(earlyAck, op)
		} else {
			// normalize the effective concern onto the op so the pipeline's
			// synchronous-persist gate sees a batch-level PERSISTED too
			op.WriteConcern = concern
			if concern == pipeline.ConcernPersisted {
				op.SyncPersist = true
			}
			deferred = append(deferred, &PendingOp{Op: op, Concern: concern})
		}
	}

	// (3) emit OP_ACK{lastId, achievedLevel: MEMORY} before any processing
	if len(earlyAck) > 0 {
		last := earlyAck[len(earlyAck)-1]
		proc.sendAck(session, last.ID, pipeline.ConcernMemory, nil)
	}

	// (4) register pending writes for the deferred bucket
	timeout := frame.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for _, po := range deferred {
		po := po
		proc.tracker.Register(po.Op.ID, po.Concern, timeout,
			func(r Result) {
				proc.sendAck(session, r.OpID, r.AchievedLevel, nil)
			},
			func(r Result) {
				if r.Success {
					proc.sendAck(session, r.OpID, r.AchievedLevel, nil)
				} else {
					proc.sendReject(session, r.OpID, r.Error)
				}
			})
	}

	// (5) schedule async processing; while the regulator signals force-sync
	// the batch runs synchronously on the caller's goroutine instead
	if proc.regulator.ShouldForceSync() {
		proc.processAsync(ctx, session, accepted, deferred)
		return
	}
	go proc.processAsync(ctx, session, accepted, deferred)
}

func verbForPermission(v pipeline.Verb) pipeline.Verb {
	if v == pipeline.VerbORRemove {
		return pipeline.VerbDelete
	}
	return pipeline.VerbPut
}

// processAsync implements the batch's async processing stage: backpressure
// admission, per-op local-vs-forward dispatch, end-of-batch delivery.
func (proc *Processor) processAsync(ctx context.Context, session *transport.Session, ops []*pipeline.Op, deferred []*PendingOp) {
	if proc.regulator.ShouldForceSync() || !proc.regulator.RegisterPending() {
		if !proc.regulator.WaitForCapacity(ctx, 2*time.Second) {
			err := fmt.Errorf("Server overloaded")
			for _, po := range deferred {
				proc.tracker.Fail(po.Op.ID, err)
			}
			return
		}
	}
	defer proc.regulator.Release()

	opCtx := &pipeline.Context{
		SessionID:     session.ID,
		Principal:     session.Principal(),
		Authenticated: session.Authenticated(),
	}

	var collected []pipeline.BatchEvent
	var local []*pipeline.Op
	for _, op := range ops {
		if proc.partition != nil && !proc.partition.IsLocalOwner(op.Key) {
			owner := proc.partition.Owner(proc.partition.Partition(op.Key))
			if proc.forward != nil {
				if err := proc.forward(owner, op); err != nil {
					glog.Errorf("batch: forward op %s to %s failed: %v", op.ID, owner, err)
					proc.tracker.Fail(op.ID, err)
					continue
				}
			}
			// a forwarded op is considered REPLICATED once sent (the
			// documented optimism — there is no peer ack). PERSISTED is
			// never claimed for it: the owner holds durability, so a
			// PERSISTED target on a non-owned key runs out its deadline
			// instead of acking a write this node never made durable.
			proc.tracker.NotifyLevel(op.ID, pipeline.ConcernApplied)
			proc.tracker.NotifyLevel(op.ID, pipeline.ConcernReplicated)
			continue
		}

		result := proc.pipeline.ProcessLocal(opCtx, op, &collected)
		if result.Err != nil {
			proc.tracker.Fail(op.ID, result.Err)
			continue
		}
		if result.Rejected {
			proc.tracker.Fail(op.ID, fmt.Errorf(result.RejectReason))
			continue
		}
		proc.tracker.NotifyLevel(op.ID, pipeline.ConcernApplied)
		local = append(local, op)
	}

	// batch end: deliver collected events as one SERVER_BATCH_EVENT, then
	// mark REPLICATED on the locally applied ops (forwarded ones were
	// already marked at forward time)
	if len(collected) > 0 && proc.broadcastBatch != nil {
		proc.broadcastBatch(collected, session.ID)
	}
	for _, op := range local {
		proc.tracker.NotifyLevel(op.ID, pipeline.ConcernReplicated)
		// PERSISTED: gated by the synchronous storage write ProcessLocal
		// performed for this op (SyncPersist set during classification); a
		// persist failure already failed the pending write above
		if op.WriteConcern == pipeline.ConcernPersisted {
			proc.tracker.NotifyLevel(op.ID, pipeline.ConcernPersisted)
		}
	}
}

func (proc *Processor) sendAck(session *transport.Session, opID string, level pipeline.WriteConcern, results []interface{}) {
	data, _ := wire.EncodeJSON(wire.TypeOpAck, map[string]interface{}{
		"lastId":        opID,
		"achievedLevel": string(level),
		"results":       results,
	})
	session.Writer.WriteRaw(data, false)
}

func (proc *Processor) sendReject(session *transport.Session, opID string, err error) {
	msg := "rejected"
	if err != nil {
		msg = err.Error()
	}
	data, _ := wire.EncodeJSON(wire.TypeOpRejected, map[string]interface{}{
		"opId":   opID,
		"reason": msg,
	})
	session.Writer.WriteRaw(data, true)
}
