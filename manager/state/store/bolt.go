package store

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/labipam/labipam/api"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Layout:
//
//	bucket(v1) ->
//		bucket(allocations) ->
//			bucket(<cluster>) ->
//				<lab_uid> -> allocation record (cbor)
//		bucket(cursors) ->
//			<cluster> -> next offset (big endian uint32)
//		bucket(meta) ->
//			network -> CIDR
var (
	bucketKeyStorageVersion = []byte("v1")
	bucketKeyAllocations    = []byte("allocations")
	bucketKeyCursors        = []byte("cursors")
	bucketKeyMeta           = []byte("meta")
	keyNetwork              = []byte("network")
)

type bucketKeyPath [][]byte

func (bk bucketKeyPath) String() string {
	return string(bytes.Join([][]byte(bk), []byte("/")))
}

// BoltStore is a durable Store kept in a single bbolt file. bbolt commits
// are atomic and crash safe; readers see the last committed state.
type BoltStore struct {
	updateLock *writeLock
	db         *bolt.DB
}

// OpenBolt opens or creates the store file at path. If another process has
// the file open, OpenBolt gives up after opts.OpenTimeout and returns an
// error wrapping ErrBusy.
func OpenBolt(path string, opts Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: opts.OpenTimeout,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.Wrapf(ErrBusy, "open %s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, key := range [][]byte{bucketKeyAllocations, bucketKeyCursors, bucketKeyMeta} {
			if _, err := createBucketIfNotExists(tx, bucketKeyStorageVersion, key); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "initialize %s", path)
	}

	return &BoltStore{
		updateLock: newWriteLock(opts.LockTimeout),
		db:         db,
	}, nil
}

// View executes a read transaction.
func (s *BoltStore) View(cb func(ReadTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return cb(boltReadTx{tx: tx})
	})
}

// Update executes a read/write transaction. bbolt rolls the transaction
// back if cb returns an error.
func (s *BoltStore) Update(cb func(Tx) error) error {
	if err := s.updateLock.lock(); err != nil {
		return err
	}
	defer s.updateLock.unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return cb(boltTx{boltReadTx{tx: tx}})
	})
}

// Close closes the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the path of the store file.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func createBucketIfNotExists(tx *bolt.Tx, keys ...[]byte) (*bolt.Bucket, error) {
	bkt, err := tx.CreateBucketIfNotExists(keys[0])
	if err != nil {
		return nil, errors.Wrapf(err, "create bucket %v", bucketKeyPath(keys[:1]))
	}

	for i, key := range keys[1:] {
		bkt, err = bkt.CreateBucketIfNotExists(key)
		if err != nil {
			return nil, errors.Wrapf(err, "create bucket %v", bucketKeyPath(keys[:i+2]))
		}
	}

	return bkt, nil
}

func getBucket(tx *bolt.Tx, keys ...[]byte) *bolt.Bucket {
	bkt := tx.Bucket(keys[0])

	for _, key := range keys[1:] {
		if bkt == nil {
			break
		}
		bkt = bkt.Bucket(key)
	}

	return bkt
}

type boltReadTx struct {
	tx *bolt.Tx
}

func (t boltReadTx) allocationsBucket() *bolt.Bucket {
	return getBucket(t.tx, bucketKeyStorageVersion, bucketKeyAllocations)
}

func (t boltReadTx) GetAllocation(cluster, labUID string) (*api.Allocation, error) {
	bkt := getBucket(t.tx, bucketKeyStorageVersion, bucketKeyAllocations, []byte(cluster))
	if bkt == nil {
		return nil, nil
	}
	p := bkt.Get([]byte(labUID))
	if p == nil {
		return nil, nil
	}
	return decodeAllocation(p)
}

func (t boltReadTx) FindAllocations(by By) ([]*api.Allocation, error) {
	var clusters [][]byte
	switch v := by.(type) {
	case byAll:
		if err := t.allocationsBucket().ForEach(func(k, v []byte) error {
			if v == nil {
				clusters = append(clusters, k)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	case byCluster:
		clusters = append(clusters, []byte(v))
	default:
		return nil, ErrInvalidFindBy
	}

	var allocations []*api.Allocation
	for _, cluster := range clusters {
		bkt := t.allocationsBucket().Bucket(cluster)
		if bkt == nil {
			continue
		}
		if err := bkt.ForEach(func(k, v []byte) error {
			a, err := decodeAllocation(v)
			if err != nil {
				return errors.Wrapf(err, "allocation %s/%s", cluster, k)
			}
			allocations = append(allocations, a)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	sortAllocations(allocations)
	return allocations, nil
}

func (t boltReadTx) GetCursor(cluster string) (uint32, error) {
	p := getBucket(t.tx, bucketKeyStorageVersion, bucketKeyCursors).Get([]byte(cluster))
	if p == nil {
		return 0, nil
	}
	if len(p) != 4 {
		return 0, errors.Errorf("cursor of cluster %s is %d bytes long", cluster, len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

func (t boltReadTx) Clusters() ([]string, error) {
	var clusters []string
	if err := getBucket(t.tx, bucketKeyStorageVersion, bucketKeyCursors).ForEach(func(k, _ []byte) error {
		clusters = append(clusters, string(k))
		return nil
	}); err != nil {
		return nil, err
	}
	// bbolt iterates in byte order already; sorting keeps the contract
	// independent of that.
	sort.Strings(clusters)
	return clusters, nil
}

func (t boltReadTx) GetNetwork() (string, error) {
	return string(getBucket(t.tx, bucketKeyStorageVersion, bucketKeyMeta).Get(keyNetwork)), nil
}

type boltTx struct {
	boltReadTx
}

func (t boltTx) CreateAllocation(a *api.Allocation) error {
	bkt, err := createBucketIfNotExists(t.tx, bucketKeyStorageVersion, bucketKeyAllocations, []byte(a.Cluster))
	if err != nil {
		return err
	}
	if bkt.Get([]byte(a.LabUID)) != nil {
		return ErrExist
	}

	seq, err := t.allocationsBucket().NextSequence()
	if err != nil {
		return errors.Wrap(err, "bump sequence")
	}
	a.Sequence = seq

	p, err := encodeAllocation(a)
	if err != nil {
		return err
	}
	return errors.Wrapf(bkt.Put([]byte(a.LabUID), p), "put allocation %s/%s", a.Cluster, a.LabUID)
}

func (t boltTx) DeleteAllocation(cluster, labUID string) error {
	bkt := getBucket(t.tx, bucketKeyStorageVersion, bucketKeyAllocations, []byte(cluster))
	if bkt == nil || bkt.Get([]byte(labUID)) == nil {
		return ErrNotExist
	}
	return errors.Wrapf(bkt.Delete([]byte(labUID)), "delete allocation %s/%s", cluster, labUID)
}

func (t boltTx) SetCursor(cluster string, offset uint32) error {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], offset)
	return errors.Wrapf(
		getBucket(t.tx, bucketKeyStorageVersion, bucketKeyCursors).Put([]byte(cluster), p[:]),
		"set cursor of cluster %s", cluster,
	)
}

func (t boltTx) SetNetwork(network string) error {
	return errors.Wrap(
		getBucket(t.tx, bucketKeyStorageVersion, bucketKeyMeta).Put(keyNetwork, []byte(network)),
		"set network",
	)
}
