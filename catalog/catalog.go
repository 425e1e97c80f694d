package catalog

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// DBRoot is a storage root and the node it is mounted on.
type DBRoot struct {
	ID   uint16 `json:"id"`
	Node int    `json:"node"`
}

// PersistenceProvider abstracts how the topology is saved to and loaded from disk.
type PersistenceProvider interface {
	LoadTopologyState() (json string, err error)
	SaveTopologyState(json string) error
}

type topologyState struct {
	Roots []DBRoot `json:"dbroots"`
}

// Topology is the cluster layout consulted by the extent map: which DBRoots exist and which node
// each one lives on. It is safe for concurrent use.
type Topology struct {
	mu sync.RWMutex
	topologyState
	byID map[uint16]int
}

func (t *Topology) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, _ := json.MarshalIndent(t.topologyState, "", "  ")
	return string(b)
}

func (t *Topology) toJSON() (string, error) {
	b, err := json.MarshalIndent(t.topologyState, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (t *Topology) fromJSON(jsonData string) error {
	if err := json.Unmarshal([]byte(jsonData), &t.topologyState); err != nil {
		return err
	}
	t.reindex()
	return nil
}

func (t *Topology) reindex() {
	slices.SortFunc(t.Roots, func(a, b DBRoot) int { return cmp.Compare(a.ID, b.ID) })
	t.byID = make(map[uint16]int, len(t.Roots))
	for i, r := range t.Roots {
		t.byID[r.ID] = i
	}
}

// NewTopology loads the topology from the provider. A missing file yields an empty topology.
func NewTopology(provider PersistenceProvider) (*Topology, error) {
	result := &Topology{byID: make(map[uint16]int)}

	jsonData, err := provider.LoadTopologyState()
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if err = result.fromJSON(jsonData); err != nil {
		return nil, fmt.Errorf("failed to parse topology state: %v", err)
	}
	for _, r := range result.Roots {
		if r.ID == 0 {
			return nil, common.Errorf(common.InvalidArgumentError, "topology lists DBRoot 0")
		}
	}
	return result, nil
}

// NewStaticTopology returns a topology that is never persisted.
func NewStaticTopology(roots ...DBRoot) *Topology {
	t := &Topology{topologyState: topologyState{Roots: slices.Clone(roots)}}
	t.reindex()
	return t
}

// DBRoots returns the IDs of every DBRoot, ascending.
func (t *Topology) DBRoots() []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint16, len(t.Roots))
	for i, r := range t.Roots {
		out[i] = r.ID
	}
	return out
}

// DBRootCount returns the number of DBRoots.
func (t *Topology) DBRootCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Roots)
}

// PMDBRoots returns the DBRoots mounted on node, ascending.
func (t *Topology) PMDBRoots(node int) []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []uint16
	for _, r := range t.Roots {
		if r.Node == node {
			out = append(out, r.ID)
		}
	}
	return out
}

// NodeOf returns the node dbRoot is mounted on.
func (t *Topology) NodeOf(dbRoot uint16) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[dbRoot]
	if !ok {
		return 0, false
	}
	return t.Roots[i].Node, true
}

// AddDBRoot registers a new DBRoot on node and persists the topology.
func (t *Topology) AddDBRoot(id uint16, node int, provider PersistenceProvider) error {
	if id == 0 {
		return common.Errorf(common.InvalidArgumentError, "DBRoot 0 is reserved")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[id]; exists {
		return common.Errorf(common.InvalidArgumentError, "DBRoot %d already exists", id)
	}
	t.Roots = append(t.Roots, DBRoot{ID: id, Node: node})
	t.reindex()
	return t.save(provider)
}

// MoveDBRoot reassigns dbRoot to another node and persists the topology.
func (t *Topology) MoveDBRoot(id uint16, node int, provider PersistenceProvider) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return common.Errorf(common.NotFoundError, "DBRoot %d does not exist", id)
	}
	t.Roots[i].Node = node
	return t.save(provider)
}

// RemoveDBRoot drops dbRoot from the topology and persists it.
func (t *Topology) RemoveDBRoot(id uint16, provider PersistenceProvider) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return common.Errorf(common.NotFoundError, "DBRoot %d does not exist", id)
	}
	t.Roots = slices.Delete(t.Roots, i, i+1)
	t.reindex()
	return t.save(provider)
}

func (t *Topology) save(provider PersistenceProvider) error {
	if provider == nil {
		return nil
	}
	jsonData, err := t.toJSON()
	if err != nil {
		return err
	}
	return provider.SaveTopologyState(jsonData)
}

// DiskTopologyManager keeps the topology in a single JSON file.
type DiskTopologyManager struct {
	path string
}

func NewDiskTopologyManager(path string) *DiskTopologyManager {
	return &DiskTopologyManager{
		path: path,
	}
}

// LoadTopologyState implements the PersistenceProvider interface.
func (dtm *DiskTopologyManager) LoadTopologyState() (string, error) {
	content, err := os.ReadFile(dtm.path)
	if err != nil {
		return "", err // Let the caller (Topology) handle os.ErrNotExist
	}
	return string(content), nil
}

// SaveTopologyState implements the PersistenceProvider interface.
func (dtm *DiskTopologyManager) SaveTopologyState(jsonData string) error {
	// write to a temporary file and rename over the old one
	if err := os.MkdirAll(filepath.Dir(dtm.path), 0755); err != nil {
		return err
	}
	tmpPath := dtm.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(jsonData), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, dtm.path)
}
