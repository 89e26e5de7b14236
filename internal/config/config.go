// Package config loads the node's Config from a YAML file via
// gopkg.in/yaml.v2, the same library the teacher's cmd/cli config loader
// uses, with environment-variable overrides layered on top for the knobs
// an operator most commonly needs to tweak per-deployment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/crdtmesh/coordinator/internal/coordinator"
	"github.com/crdtmesh/coordinator/internal/transport"
)

// File is the on-disk shape; durations are plain strings ("5s", "2m") so
// the YAML stays human-editable.
type File struct {
	NodeID         string            `yaml:"nodeId"`
	ListenAddr     string            `yaml:"listenAddr"`
	Members        []string          `yaml:"members"`
	PeerAddrs      map[string]string `yaml:"peerAddrs"`
	NumPartitions  int               `yaml:"numPartitions"`
	AuthSecretFile string            `yaml:"authSecretFile"`
	WriterPreset   string            `yaml:"writerPreset"`
	MaxPerSecond   int               `yaml:"maxPerSecond"`
	MaxPending     int               `yaml:"maxPending"`
	AdmissionLimit int64             `yaml:"admissionLimit"`
	HeartbeatCheck string            `yaml:"heartbeatCheck"`
	HeartbeatTimeout string          `yaml:"heartbeatTimeout"`
	GCInterval     string            `yaml:"gcInterval"`
	GCMaxAge       string            `yaml:"gcMaxAge"`
	DataDir        string            `yaml:"dataDir"`
}

// Load reads path, applies environment overrides (CRDTMESH_NODE_ID,
// CRDTMESH_LISTEN_ADDR, CRDTMESH_MEMBERS as a comma list), and returns the
// resulting File.
func Load(path string) (*File, error) {
	f := &File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if v := os.Getenv("CRDTMESH_NODE_ID"); v != "" {
		f.NodeID = v
	}
	if v := os.Getenv("CRDTMESH_LISTEN_ADDR"); v != "" {
		f.ListenAddr = v
	}
	if v := os.Getenv("CRDTMESH_MEMBERS"); v != "" {
		f.Members = strings.Split(v, ",")
	}
	if f.NodeID == "" {
		return nil, fmt.Errorf("config: nodeId is required")
	}
	if f.ListenAddr == "" {
		f.ListenAddr = ":7000"
	}
	if f.NumPartitions <= 0 {
		f.NumPartitions = 256
	}
	if f.DataDir == "" {
		f.DataDir = "./data"
	}
	return f, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func writerPreset(name string) transport.Preset {
	switch strings.ToLower(name) {
	case "conservative":
		return transport.PresetConservative
	case "hightthroughput", "high-throughput", "highthroughput":
		return transport.PresetHighThroughput
	case "aggressive":
		return transport.PresetAggressive
	default:
		return transport.PresetBalanced
	}
}

// ToNodeConfig converts the loaded file (plus a resolved auth secret) into
// a coordinator.Config. Fields the YAML left zero (and durations that are
// empty or unparsable) stay zero here; coordinator.New and the components
// apply their own defaults for them.
func (f *File) ToNodeConfig(authSecret []byte) coordinator.Config {
	return coordinator.Config{
		NodeID:           f.NodeID,
		Members:          f.Members,
		PeerAddrs:        f.PeerAddrs,
		NumPartitions:    f.NumPartitions,
		AuthSecret:       authSecret,
		WriterPreset:     writerPreset(f.WriterPreset),
		MaxPerSecond:     f.MaxPerSecond,
		MaxPending:       f.MaxPending,
		AdmissionLimit:   f.AdmissionLimit,
		HeartbeatCheck:   parseDuration(f.HeartbeatCheck, 0),
		HeartbeatTimeout: parseDuration(f.HeartbeatTimeout, 0),
		GCInterval:       parseDuration(f.GCInterval, 0),
		GCMaxAge:         parseDuration(f.GCMaxAge, 0),
	}
}

// LoadAuthSecret reads the PEM or HMAC secret file path, falling back to a
// raw literal if the string doesn't look like a path that exists (handy
// for tests and single-binary demos).
func LoadAuthSecret(path string) ([]byte, error) {
	if path == "" {
		return []byte("dev-secret-change-me"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte(path), nil
		}
		return nil, err
	}
	return data, nil
}

