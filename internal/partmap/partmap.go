// Package partmap implements the PARTITION_MAP_REQUEST/PARTITION_MAP
// exchange: a client reports the topology version it already has, and the
// node replies with the full map only when its version is stale. A
// membership change is not pushed to clients; they see it on their next
// request.
package partmap

import "github.com/crdtmesh/coordinator/internal/partition"

// Snapshot is the wire body of a PARTITION_MAP response.
type Snapshot struct {
	Version       int64             `json:"version"`
	Members       []string          `json:"members"`
	NumPartitions int               `json:"numPartitions"`
	Owners        map[int]string    `json:"owners"`
	Backups       map[int][]string  `json:"backups"`
}

// Builder produces partition-map snapshots from a partition.Service.
type Builder struct {
	service       partition.Service
	numPartitions int
}

func NewBuilder(service partition.Service, numPartitions int) *Builder {
	return &Builder{service: service, numPartitions: numPartitions}
}

// Build renders the full current snapshot.
func (b *Builder) Build() Snapshot {
	owners := make(map[int]string, b.numPartitions)
	backups := make(map[int][]string, b.numPartitions)
	for p := 0; p < b.numPartitions; p++ {
		owners[p] = b.service.Owner(p)
		backups[p] = b.service.Backups(p)
	}
	return Snapshot{
		Version:       b.service.Version(),
		Members:       b.service.Members(),
		NumPartitions: b.numPartitions,
		Owners:        owners,
		Backups:       backups,
	}
}

// Respond implements the version-gated request path: a caller on
// clientVersion already current gets nil (no body to send), anyone else gets
// the full snapshot.
func (b *Builder) Respond(clientVersion int64) *Snapshot {
	if clientVersion == b.service.Version() {
		return nil
	}
	snap := b.Build()
	return &snap
}
