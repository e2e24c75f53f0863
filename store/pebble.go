package store

import (
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/upowai/poolnet/config"
)

var ErrNotFound = errors.New("store: not found")

// KVDB is the raw key-value surface every typed store is built on.
type KVDB interface {
	Get(key []byte) ([]byte, io.Closer, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIter(lowerBound []byte, upperBound []byte) (Iterator, error)
	Close() error
}

type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

type PebbleDB struct {
	config *config.DBConfig
	db     *pebble.DB
}

func NewPebbleDB(config *config.DBConfig) (*PebbleDB, error) {
	db, err := pebble.Open(config.Path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}

	return &PebbleDB{config, db}, nil
}

func (p *PebbleDB) Get(key []byte) ([]byte, io.Closer, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	return value, closer, err
}

func (p *PebbleDB) Set(key, value []byte) error {
	return p.db.Set(key, value, &pebble.WriteOptions{Sync: true})
}

func (p *PebbleDB) Delete(key []byte) error {
	return p.db.Delete(key, &pebble.WriteOptions{Sync: true})
}

func (p *PebbleDB) NewIter(lowerBound []byte, upperBound []byte) (
	Iterator,
	error,
) {
	return p.db.NewIter(&pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	})
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

var _ KVDB = (*PebbleDB)(nil)

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
