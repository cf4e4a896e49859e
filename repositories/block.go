package repositories

import (
	"campus-chat/domain"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

type IBlockRepository interface {
	InsertEdge(edge domain.BlockEdge) (domain.BlockEdge, error)
	IsBlocked(a, b domain.IdentityID) (bool, error)
}

type BlockRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBlockRepository(db *badger.DB, log *slog.Logger) *BlockRepository {
	return &BlockRepository{db: db, log: log}
}

type DiskBlockEdge struct {
	ID        string    `json:"id"`
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	At        time.Time `json:"at"`
}

// InsertEdge always writes a new edge, duplicates of the same pair are kept.
func (r *BlockRepository) InsertEdge(edge domain.BlockEdge) (domain.BlockEdge, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	edge.CreatedAt = edge.CreatedAt.UTC()
	err := update(r.db, func(txn *badger.Txn) error {
		return setJSON(txn, blockKey(edge), DiskBlockEdge{
			ID:        edge.ID,
			BlockerID: string(edge.BlockerID),
			BlockedID: string(edge.BlockedID),
			At:        edge.CreatedAt,
		})
	})
	if err != nil {
		return domain.BlockEdge{}, err
	}
	return edge, nil
}

// IsBlocked reports whether an edge exists in either direction.
func (r *BlockRepository) IsBlocked(a, b domain.IdentityID) (bool, error) {
	blocked := false
	err := r.db.View(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{blockPairPrefix(a, b), blockPairPrefix(b, a)} {
			if hasPrefix(txn, prefix) {
				blocked = true
				return nil
			}
		}
		return nil
	})
	return blocked, err
}

func hasPrefix(txn *badger.Txn, prefix []byte) bool {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	it := txn.NewIterator(options)
	defer it.Close()
	it.Seek(prefix)
	return it.ValidForPrefix(prefix)
}
