package repositories

import (
	"campus-chat/domain"
	"campus-chat/errors"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// IdentityRepository is a Badger-backed identity directory. The messaging core
// only reads it; SaveIdentity exists for seeding tools and tests.
type IdentityRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewIdentityRepository(db *badger.DB, log *slog.Logger) *IdentityRepository {
	return &IdentityRepository{db: db, log: log}
}

type DiskIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	DirectoryID string `json:"directory_id"`
	Contact     string `json:"contact"`
}

// SaveIdentity upserts an identity and points its directory id at it.
func (r *IdentityRepository) SaveIdentity(identity domain.Identity) error {
	if identity.ID == "" || identity.DirectoryID == "" {
		return fmt.Errorf("%w: identity needs an id and a directory id", errors.ErrInvalidArgument)
	}
	return update(r.db, func(txn *badger.Txn) error {
		var previous DiskIdentity
		err := getJSON(txn, identityKey(identity.ID), &previous)
		switch {
		case err == nil && previous.DirectoryID != string(identity.DirectoryID):
			if err = txn.Delete(directoryKey(domain.DirectoryID(previous.DirectoryID))); err != nil {
				return err
			}
		case err != nil && !stderrors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err = setJSON(txn, identityKey(identity.ID), DiskIdentity{
			ID:          string(identity.ID),
			DisplayName: identity.DisplayName,
			DirectoryID: string(identity.DirectoryID),
			Contact:     identity.Contact,
		}); err != nil {
			return err
		}
		return txn.Set(directoryKey(identity.DirectoryID), []byte(identity.ID))
	})
}

func (r *IdentityRepository) LookupByDirectoryID(_ context.Context, id domain.DirectoryID) (domain.Identity, error) {
	var identity domain.Identity
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(directoryKey(id))
		if err != nil {
			return err
		}
		identityID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		identity, err = readIdentity(txn, domain.IdentityID(identityID))
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Identity{}, fmt.Errorf("directory id %s: %w", id, errors.ErrIdentityNotFound)
	}
	return identity, err
}

func (r *IdentityRepository) LookupByID(_ context.Context, id domain.IdentityID) (domain.Identity, error) {
	var identity domain.Identity
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		identity, err = readIdentity(txn, id)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Identity{}, fmt.Errorf("identity %s: %w", id, errors.ErrIdentityNotFound)
	}
	return identity, err
}

func readIdentity(txn *badger.Txn, id domain.IdentityID) (domain.Identity, error) {
	var disk DiskIdentity
	if err := getJSON(txn, identityKey(id), &disk); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		ID:          domain.IdentityID(disk.ID),
		DisplayName: disk.DisplayName,
		DirectoryID: domain.DirectoryID(disk.DirectoryID),
		Contact:     disk.Contact,
	}, nil
}
