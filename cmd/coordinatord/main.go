// Package main is the coordinator node's process entrypoint: flag/config
// parsing, component wiring, and the HTTP/websocket listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"github.com/urfave/cli"

	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/clustertransport"
	"github.com/crdtmesh/coordinator/internal/config"
	"github.com/crdtmesh/coordinator/internal/coordinator"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/query"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/syncfacade"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "coordinatord"
	app.Usage = "run one node of a clustered CRDT coordination server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", EnvVar: "CRDTMESH_CONFIG", Usage: "path to the node's YAML config file"},
		cli.StringFlag{Name: "data-dir", EnvVar: "CRDTMESH_DATA_DIR", Usage: "override the config file's dataDir"},
		cli.BoolFlag{Name: "no-mutations", Usage: "reject every write verb regardless of permission checks"},
		cli.BoolFlag{Name: "no-subscriptions", Usage: "reject QUERY_SUB/TOPIC_SUB/JOURNAL_SUBSCRIBE"},
		cli.StringFlag{Name: "maps", Usage: "comma-separated allowlist of map names; empty means all maps"},
		cli.BoolFlag{Name: "debug", Usage: "enable verbose (glog V(1)) logging"},
	}
	app.Action = mainAction

	if err := app.Run(os.Args); err != nil {
		color.Red("fatal: %v", err)
		return 1
	}
	return 0
}

func mainAction(c *cli.Context) error {
	if c.Bool("debug") {
		_ = flag.Set("v", "1")
	}

	file, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if dir := c.String("data-dir"); dir != "" {
		file.DataDir = dir
	}

	secret, err := config.LoadAuthSecret(file.AuthSecretFile)
	if err != nil {
		return fmt.Errorf("load auth secret: %w", err)
	}

	driver, err := storage.OpenBunt(file.DataDir + "/" + file.NodeID + ".db")
	if err != nil {
		return fmt.Errorf("open storage driver: %w", err)
	}

	gate := newPermissionGate(c.Bool("no-mutations"), c.String("maps"))

	cfg := file.ToNodeConfig(secret)
	cfg.DisableSubscriptions = c.Bool("no-subscriptions")
	node, err := coordinator.New(cfg, driver, gate.check)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	ct := clustertransport.New(file.NodeID, file.PeerAddrs)
	node.SetClusterTransport(ct)

	node.Start()
	defer node.Stop()

	srv := newHTTPServer(node, ct)
	listener := &http.Server{Addr: file.ListenAddr, Handler: srv}

	errCh := make(chan error, 1)
	go func() {
		printBanner(file.NodeID, file.ListenAddr)
		if err := listener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		color.Yellow("shutting down %s...", file.NodeID)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return listener.Shutdown(ctx)
}

func printBanner(nodeID, addr string) {
	color.Cyan("crdtmesh coordinator")
	color.Green("  node:   %s", nodeID)
	color.Green("  listen: %s", addr)
}

// permissionGate implements coordinator.PermissionFunc from the
// --no-mutations / --maps CLI toggles (--no-subscriptions is enforced by
// the coordinator itself, not the permission seam); deployments with real
// RBAC wire their own checker in front of it at the cluster-config layer.
type permissionGate struct {
	noMutations bool
	allowedMaps map[string]struct{}
}

func newPermissionGate(noMutations bool, mapsCSV string) *permissionGate {
	g := &permissionGate{noMutations: noMutations}
	if mapsCSV != "" {
		g.allowedMaps = make(map[string]struct{})
		for _, m := range splitCSV(mapsCSV) {
			g.allowedMaps[m] = struct{}{}
		}
	}
	return g
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (g *permissionGate) check(_ *auth.Principal, verb pipeline.Verb, mapName string) bool {
	if g.allowedMaps != nil {
		if _, ok := g.allowedMaps[mapName]; !ok {
			return false
		}
	}
	if g.noMutations {
		switch verb {
		case pipeline.VerbPut, pipeline.VerbUpdate, pipeline.VerbDelete, pipeline.VerbORAdd, pipeline.VerbORRemove:
			return false
		}
	}
	return true
}

// newHTTPServer wires every exposed route: health, the HTTP Sync Facade,
// the cluster peer endpoint, a placeholder MCP touchpoint, and the
// websocket upgrade for client sessions.
func newHTTPServer(node *coordinator.Node, ct *clustertransport.Transport) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/sync", handleSync(node))
	mux.Handle("/cluster", clustertransport.NewServer(node.ClusterHandler(), ct))
	mux.HandleFunc("/mcp", handleMCP(node))
	mux.HandleFunc("/ws", handleWebsocket(node))
	return corsWrap(mux)
}

func corsWrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// handleMCP exposes only the wire-protocol touchpoint the MCP adapter
// needs (frame decode/dispatch through the same router); the adapter
// package itself is out of scope (SPEC_FULL.md Non-goals).
func handleMCP(node *coordinator.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frame, err := wire.DecodeJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sessionID, _ := shortid.Generate()
		sess := transport.NewSession(sessionID, &httpLoopbackConn{}, transport.PresetBalanced)
		node.ConnManager().Register(sess)
		defer node.ConnManager().Remove(sessionID)
		node.Router().HandleMessage(sess, frame)
		w.WriteHeader(http.StatusAccepted)
	}
}

// httpLoopbackConn is a no-op transport.Conn for the stateless /mcp path,
// which never needs an async push back to the caller.
type httpLoopbackConn struct{}

func (*httpLoopbackConn) WriteRaw(data []byte) error     { return nil }
func (*httpLoopbackConn) Close(code int, reason string) error { return nil }

var _ transport.Conn = (*httpLoopbackConn)(nil)

// handleSync adapts the HTTP Sync Facade's typed Request/Response to a
// plain JSON body; the facade's own Request/Response already carry json
// tags (see internal/syncfacade), so the body decodes straight into one.
func handleSync(node *coordinator.Node) http.HandlerFunc {
	type syncBody struct {
		Token     string                   `json:"token"`
		ClientHLC hlc.Timestamp            `json:"clientHlc"`
		Ops       []*pipeline.Op           `json:"ops"`
		SyncMaps  []syncfacade.SyncMapRequest `json:"syncMaps"`
		Queries   []*query.Query           `json:"queries"`
		Searches  []syncfacade.SearchRequest  `json:"searches"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body syncBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := node.SyncFacade().Handle(&syncfacade.Request{
			Token:     body.Token,
			ClientHLC: body.ClientHLC,
			Ops:       body.Ops,
			SyncMaps:  body.SyncMaps,
			Queries:   body.Queries,
			Searches:  body.Searches,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebsocket accepts one client connection, registers a Session, and
// runs its read loop until the socket closes or errors.
func handleWebsocket(node *coordinator.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !node.Limiter().Allow() {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Warningf("coordinatord: websocket upgrade failed: %v", err)
			return
		}
		node.Limiter().OnEstablished()

		wsConn := wire.NewWSConn(conn)
		sessionID, _ := shortid.Generate()
		session := transport.NewSession(sessionID, wsConn, transport.PresetBalanced)
		node.ConnManager().Register(session)

		for {
			data, err := wsConn.ReadMessage()
			if err != nil {
				break
			}
			frame, err := wire.DecodeJSON(data)
			if err != nil {
				continue
			}
			node.Router().HandleMessage(session, frame)
		}
		node.CloseSession(sessionID, wire.CloseProtocolError, "socket closed")
	}
}
