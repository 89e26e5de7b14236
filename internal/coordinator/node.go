// Package coordinator wires every component into one running node: the
// membership view, the GC leader role, and the session-close fan-out
// sequence the rest of the coordinator depends on being centralized in one
// place.
package coordinator

import (
	"fmt"
	"time"

	"github.com/crdtmesh/coordinator/internal/admission"
	"github.com/crdtmesh/coordinator/internal/antientropy"
	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/batch"
	"github.com/crdtmesh/coordinator/internal/broadcast"
	"github.com/crdtmesh/coordinator/internal/clusterevt"
	"github.com/crdtmesh/coordinator/internal/connmgr"
	"github.com/crdtmesh/coordinator/internal/counter"
	"github.com/crdtmesh/coordinator/internal/entryproc"
	"github.com/crdtmesh/coordinator/internal/gc"
	"github.com/crdtmesh/coordinator/internal/heartbeat"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/journal"
	"github.com/crdtmesh/coordinator/internal/lock"
	"github.com/crdtmesh/coordinator/internal/partition"
	"github.com/crdtmesh/coordinator/internal/partmap"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/query"
	"github.com/crdtmesh/coordinator/internal/resolver"
	"github.com/crdtmesh/coordinator/internal/router"
	"github.com/crdtmesh/coordinator/internal/search"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/syncfacade"
	"github.com/crdtmesh/coordinator/internal/topic"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

// Config bundles every knob a deployment might set; zero values fall back
// to the same defaults each component already carries.
type Config struct {
	NodeID         string
	Members        []string
	PeerAddrs      map[string]string // nodeID -> base URL, for the cluster transport
	NumPartitions  int
	AuthSecret     []byte
	WriterPreset   transport.Preset
	MaxPerSecond   int
	MaxPending     int
	AdmissionLimit int64
	HeartbeatCheck time.Duration
	HeartbeatTimeout time.Duration
	GCInterval     time.Duration
	GCMaxAge       time.Duration

	// DisableSubscriptions rejects every subscribe verb (QUERY_SUB,
	// TOPIC_SUB, JOURNAL_SUBSCRIBE, SEARCH_SUB) with a 403 — the
	// --no-subscriptions operator toggle.
	DisableSubscriptions bool

	// SearchEngine and MerkleHasher are external collaborators; nil
	// disables searches and Merkle-walk client sync respectively.
	// SearchMaps lists the maps indexed at startup; more can be enabled
	// later through EnableSearch.
	SearchEngine search.Engine
	SearchMaps   []string
	MerkleHasher antientropy.Hasher
}

// PermissionFunc gates a verb against a map name for a principal; nil means
// allow everything, which a deployment should never actually pass.
type PermissionFunc func(principal *auth.Principal, verb pipeline.Verb, mapName string) bool

// Node owns every long-lived component on this process.
type Node struct {
	cfg Config

	clock       *hlc.Clock
	authHandler *auth.Handler
	limiter     *admission.Limiter
	regulator   *admission.Regulator
	connMgr     *connmgr.Manager
	router      *router.Router
	storageMgr  *storage.Manager
	pipeline    *pipeline.Pipeline
	partitionSvc *partition.HashService
	broadcastRouter *broadcast.Router
	tracker     *batch.Tracker
	processor   *batch.Processor
	queryRegistry *query.Registry
	scatterer   *query.Scatterer
	topicMgr    *topic.Manager
	lockMgr     *lock.Manager
	counterMgr  *counter.Manager
	resolverReg *resolver.Registry
	entryProcReg *entryproc.Registry
	journalMgr  *journal.Manager
	partmapBuilder *partmap.Builder
	clusterHandler *clusterevt.Handler
	gcCoord     *gc.Coordinator
	reaper      *heartbeat.Reaper
	syncFacade  *syncfacade.Facade
	searchMgr   *search.Manager
	antiSync    *antientropy.Adapter

	checkPerm PermissionFunc

	peerForward func(nodeID string, op *pipeline.Op) error
	peerLockReq func(ownerNodeID, name, originNodeID, sessionID, requestID string, ttl time.Duration) error
	peerTopicPub func(nodeID, topicName string, payload map[string]interface{}, originalSenderID string) error
	peerClientDisconnected func(nodeID, originNodeID, sessionID string) error
	peerScatter func(peerNodeID, requestID string, q *query.Query) error
	peerLockGranted func(originNodeID, sessionID, requestID string, fencingToken int64, granted bool) error
	peerLockRelease func(ownerNodeID, name, originNodeID, sessionID string) error
	peerLockReleased func(originNodeID, sessionID, name string) error

	stopGC        chan struct{}
	stopHeartbeat chan struct{}
}

// New builds every component and registers every router handler, but does
// not start any background loop — call Start for that.
func New(cfg Config, driver storage.Driver, checkPerm PermissionFunc) (*Node, error) {
	if cfg.NumPartitions <= 0 {
		cfg.NumPartitions = 256
	}
	if cfg.WriterPreset == (transport.Preset{}) {
		cfg.WriterPreset = transport.PresetBalanced
	}
	if cfg.MaxPerSecond <= 0 {
		cfg.MaxPerSecond = 1000
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 2000
	}
	if cfg.AdmissionLimit <= 0 {
		cfg.AdmissionLimit = 4096
	}

	authHandler, err := auth.NewHandler(cfg.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("coordinator: build auth handler: %w", err)
	}

	n := &Node{
		cfg:            cfg,
		clock:          hlc.New(cfg.NodeID),
		authHandler:    authHandler,
		limiter:        admission.New(cfg.MaxPerSecond, cfg.MaxPending),
		regulator:      admission.NewRegulator(cfg.AdmissionLimit),
		connMgr:        connmgr.New(cfg.HeartbeatTimeout),
		storageMgr:     storage.NewManager(driver),
		partitionSvc:   partition.NewHashService(cfg.NodeID, cfg.Members, cfg.NumPartitions),
		tracker:        batch.NewTracker(),
		queryRegistry:  query.NewRegistry(),
		topicMgr:       topic.NewManager(),
		lockMgr:        lock.NewManager(),
		counterMgr:     counter.NewManager(),
		entryProcReg:   entryproc.NewRegistry(),
		journalMgr:     journal.NewManager(),
		searchMgr:      search.NewManager(cfg.SearchEngine),
		checkPerm:      checkPerm,
		stopGC:         make(chan struct{}),
		stopHeartbeat:  make(chan struct{}),
	}

	n.pipeline = pipeline.New(n.storageMgr)
	n.resolverReg = resolver.NewRegistry(n.pipeline)
	n.broadcastRouter = broadcast.New(n.connMgr)
	n.pipeline.SetBroadcaster(func(eventPayload map[string]interface{}, mapName, _ string, excludeSessionID string) {
		n.broadcastRouter.BroadcastEvent(mapName, eventPayload, excludeSessionID)
	})
	n.scatterer = query.NewScatterer(n.scatterPeer)
	n.partmapBuilder = partmap.NewBuilder(n.partitionSvc, cfg.NumPartitions)
	n.clusterHandler = clusterevt.New(n.pipeline, n.partitionSvc, n.storageMgr, n.scatterer, n.lockMgr, n.topicMgr)
	n.clusterHandler.SetLockReply(n.onLockGrantedForOrigin)
	n.clusterHandler.SetLockReleaseReply(n.onLockReleasedForOrigin)
	n.clusterHandler.SetTopicDeliver(n.deliverTopicLocal)
	n.clusterHandler.SetEventBroadcast(func(mapName string, payload map[string]interface{}) {
		n.broadcastRouter.BroadcastEvent(mapName, payload, "")
	})

	n.processor = batch.NewProcessor(n.pipeline, n.tracker, n.regulator, n.partitionSvc,
		batch.PermissionChecker(n.checkPerm), n.forwardOp, n.broadcastRouter.BroadcastBatch)

	n.antiSync = antientropy.New(n.storageMgr, cfg.MerkleHasher)
	for _, m := range cfg.SearchMaps {
		n.searchMgr.Enable(m)
	}

	n.pipeline.AddAfterInterceptor(n.journalAfterOp)
	n.pipeline.AddAfterInterceptor(n.searchAfterOp)

	n.gcCoord = gc.NewCoordinator(n.partitionSvc, n.storageMgr, n.clock, n.localActiveMinimum)
	if cfg.GCInterval > 0 {
		n.gcCoord.SetInterval(cfg.GCInterval)
	}
	if cfg.GCMaxAge > 0 {
		n.gcCoord.SetMaxAge(cfg.GCMaxAge)
	}
	n.gcCoord.SetSweepHook(n.onGCSweep)
	n.clusterHandler.SetGCHandler(n.gcCoord)

	n.syncFacade = syncfacade.New(n.authHandler, n.clock, n.pipeline, n.storageMgr, n.searchMgr, syncfacade.PermissionChecker(n.checkPerm))

	n.storageMgr.SetChangeHook(n.onMapChange)

	n.router = router.New(n.clock, n.authHandler, nil)
	n.router.OnUnauthorizedClose(func(s *transport.Session, code int, reason string) {
		n.closeSession(s.ID, code, reason)
	})
	n.registerHandlers()

	n.reaper = heartbeat.NewReaper(n.connMgr, n.closeSession)
	if cfg.HeartbeatCheck > 0 {
		n.reaper.SetCheckInterval(cfg.HeartbeatCheck)
	}
	if cfg.HeartbeatTimeout > 0 {
		n.reaper.SetTimeout(cfg.HeartbeatTimeout)
	}

	n.connMgr.OnRegister(n.onSessionRegistered)

	return n, nil
}

// Start launches the GC and heartbeat background loops.
func (n *Node) Start() {
	go n.gcCoord.Run(n.stopGC)
	go n.reaper.Run(n.stopHeartbeat)
}

// Stop halts both background loops; in-flight sessions are left to the
// caller (typically a process-wide graceful-shutdown sequence that closes
// every session first via CloseSession).
func (n *Node) Stop() {
	close(n.stopGC)
	close(n.stopHeartbeat)
}

// Router exposes the Message Router for the transport layer to hand frames
// to on every read.
func (n *Node) Router() *router.Router { return n.router }

// ConnManager exposes the Connection Manager for transport accept/remove.
func (n *Node) ConnManager() *connmgr.Manager { return n.connMgr }

// Limiter exposes the Rate Limiter for the transport accept path.
func (n *Node) Limiter() *admission.Limiter { return n.limiter }

// SyncFacade exposes the HTTP Sync Facade for the HTTP server.
func (n *Node) SyncFacade() *syncfacade.Facade { return n.syncFacade }

// ClusterHandler exposes the Cluster Event Handler for the cluster
// transport's HTTP server to dispatch peer frames into.
func (n *Node) ClusterHandler() *clusterevt.Handler { return n.clusterHandler }

// NodeID returns this node's configured id.
func (n *Node) NodeID() string { return n.cfg.NodeID }

// EnableSearch turns full-text indexing on for mapName; a no-op without a
// configured engine.
func (n *Node) EnableSearch(mapName string) { n.searchMgr.Enable(mapName) }

func (n *Node) onSessionRegistered(s *transport.Session) {
	data, _ := wire.EncodeJSON(wire.TypeAuthRequired, nil)
	s.Writer.WriteRaw(data, true)
}
