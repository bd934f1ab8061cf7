package store

import (
	"sort"
	"strconv"

	"github.com/labipam/labipam/api"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	tableAllocation = "allocation"
	tableCursor     = "cursor"
	tableMeta       = "meta"

	indexID      = "id"
	indexCluster = "cluster"

	metaNetwork  = "network"
	metaSequence = "sequence"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableAllocation: {
			Name: tableAllocation,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:   indexID,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Cluster"},
							&memdb.StringFieldIndex{Field: "LabUID"},
						},
					},
				},
				indexCluster: {
					Name:    indexCluster,
					Indexer: &memdb.StringFieldIndex{Field: "Cluster"},
				},
			},
		},
		tableCursor: {
			Name: tableCursor,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Cluster"},
				},
			},
		},
		tableMeta: {
			Name: tableMeta,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}

type cursorEntry struct {
	Cluster string
	Next    uint32
}

type metaEntry struct {
	Key   string
	Value string
}

// MemoryStore is a concurrency-safe, in-memory implementation of the Store
// interface. Readers work on immutable snapshots, so they never observe a
// write transaction that has not committed.
type MemoryStore struct {
	// updateLock must be held during an update transaction.
	updateLock *writeLock

	memDB *memdb.MemDB
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}

	return &MemoryStore{
		updateLock: newWriteLock(opts.LockTimeout),
		memDB:      memDB,
	}
}

// View executes a read transaction.
func (s *MemoryStore) View(cb func(ReadTx) error) error {
	memDBTx := s.memDB.Txn(false)
	defer memDBTx.Abort()
	return cb(readTx{memDBTx: memDBTx})
}

// Update executes a read/write transaction.
func (s *MemoryStore) Update(cb func(Tx) error) error {
	if err := s.updateLock.lock(); err != nil {
		return err
	}
	defer s.updateLock.unlock()

	memDBTx := s.memDB.Txn(true)
	if err := cb(tx{readTx{memDBTx: memDBTx}}); err != nil {
		memDBTx.Abort()
		return err
	}
	memDBTx.Commit()
	return nil
}

// Close is a no-op; the data is dropped with the store.
func (s *MemoryStore) Close() error {
	return nil
}

type readTx struct {
	memDBTx *memdb.Txn
}

func (t readTx) GetAllocation(cluster, labUID string) (*api.Allocation, error) {
	obj, err := t.memDBTx.First(tableAllocation, indexID, cluster, labUID)
	if err != nil {
		return nil, errors.Wrap(err, "lookup allocation")
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*api.Allocation).Copy(), nil
}

func (t readTx) FindAllocations(by By) ([]*api.Allocation, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	switch v := by.(type) {
	case byAll:
		it, err = t.memDBTx.Get(tableAllocation, indexID)
	case byCluster:
		it, err = t.memDBTx.Get(tableAllocation, indexCluster, string(v))
	default:
		return nil, ErrInvalidFindBy
	}
	if err != nil {
		return nil, errors.Wrap(err, "find allocations")
	}

	var allocations []*api.Allocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		allocations = append(allocations, obj.(*api.Allocation).Copy())
	}
	sortAllocations(allocations)
	return allocations, nil
}

func (t readTx) GetCursor(cluster string) (uint32, error) {
	obj, err := t.memDBTx.First(tableCursor, indexID, cluster)
	if err != nil {
		return 0, errors.Wrap(err, "lookup cursor")
	}
	if obj == nil {
		return 0, nil
	}
	return obj.(*cursorEntry).Next, nil
}

func (t readTx) Clusters() ([]string, error) {
	it, err := t.memDBTx.Get(tableCursor, indexID)
	if err != nil {
		return nil, errors.Wrap(err, "list clusters")
	}
	var clusters []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		clusters = append(clusters, obj.(*cursorEntry).Cluster)
	}
	sort.Strings(clusters)
	return clusters, nil
}

func (t readTx) getMeta(key string) (string, error) {
	obj, err := t.memDBTx.First(tableMeta, indexID, key)
	if err != nil {
		return "", errors.Wrapf(err, "lookup %s", key)
	}
	if obj == nil {
		return "", nil
	}
	return obj.(*metaEntry).Value, nil
}

func (t readTx) GetNetwork() (string, error) {
	return t.getMeta(metaNetwork)
}

type tx struct {
	readTx
}

func (t tx) CreateAllocation(a *api.Allocation) error {
	existing, err := t.GetAllocation(a.Cluster, a.LabUID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrExist
	}

	last, err := t.getMeta(metaSequence)
	if err != nil {
		return err
	}
	var seq uint64
	if last != "" {
		if seq, err = strconv.ParseUint(last, 10, 64); err != nil {
			return errors.Wrap(err, "parse sequence")
		}
	}
	seq++
	if err := t.memDBTx.Insert(tableMeta, &metaEntry{Key: metaSequence, Value: strconv.FormatUint(seq, 10)}); err != nil {
		return errors.Wrap(err, "bump sequence")
	}

	a.Sequence = seq
	if err := t.memDBTx.Insert(tableAllocation, a.Copy()); err != nil {
		return errors.Wrap(err, "insert allocation")
	}
	return nil
}

func (t tx) DeleteAllocation(cluster, labUID string) error {
	obj, err := t.memDBTx.First(tableAllocation, indexID, cluster, labUID)
	if err != nil {
		return errors.Wrap(err, "lookup allocation")
	}
	if obj == nil {
		return ErrNotExist
	}
	return errors.Wrap(t.memDBTx.Delete(tableAllocation, obj), "delete allocation")
}

func (t tx) SetCursor(cluster string, offset uint32) error {
	return errors.Wrap(t.memDBTx.Insert(tableCursor, &cursorEntry{Cluster: cluster, Next: offset}), "set cursor")
}

func (t tx) SetNetwork(network string) error {
	return errors.Wrap(t.memDBTx.Insert(tableMeta, &metaEntry{Key: metaNetwork, Value: network}), "set network")
}
