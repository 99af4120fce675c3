// Package dedup enforces at most one record per canonical image content.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

// Reserver inserts a record guarded by the unique content-hash constraint
// and returns the id of the record now holding the hash. A violation must
// surface as *store.ConflictError.
type Reserver interface {
	Insert(ctx context.Context, rec model.ImageRecord) (string, error)
}

// Outcome is the result of a reservation attempt. RecordID differs from
// the reserved record's ID when a previously rejected record was reclaimed.
type Outcome struct {
	Accepted   bool
	Digest     digest.Digest
	RecordID   string
	ExistingID string
}

// Hash returns the SHA-256 digest of canonical image bytes
func Hash(canonical []byte) digest.Digest {
	return digest.SHA256.FromBytes(canonical)
}

// Deduplicator reserves content hashes in the metadata store
type Deduplicator struct {
	store  Reserver
	logger *zap.Logger
}

// New creates a Deduplicator backed by store
func New(store Reserver, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{store: store, logger: logger}
}

// CheckAndReserve inserts rec, whose ContentHash must already be set, as a
// single constrained insert. There is no preceding lookup: concurrent
// reservations of one hash are arbitrated by the store's unique index and
// exactly one of them is accepted.
func (d *Deduplicator) CheckAndReserve(ctx context.Context, rec model.ImageRecord) (Outcome, error) {
	dgst, err := digest.Parse(rec.ContentHash)
	if err != nil {
		return Outcome{}, fmt.Errorf("invalid content hash %q: %w", rec.ContentHash, err)
	}

	id, err := d.store.Insert(ctx, rec)
	if err == nil {
		if id != rec.ID {
			d.logger.Info("Reclaimed rejected record",
				zap.String("image_id", rec.ID),
				zap.String("record_id", id),
				zap.String("digest", dgst.String()))
		} else {
			d.logger.Debug("Reserved content hash",
				zap.String("image_id", rec.ID),
				zap.String("digest", dgst.String()))
		}
		return Outcome{Accepted: true, Digest: dgst, RecordID: id}, nil
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) && conflict.Constraint == store.ConstraintContentHash {
		d.logger.Info("Duplicate content rejected",
			zap.String("image_id", rec.ID),
			zap.String("existing_id", conflict.ExistingID),
			zap.String("digest", dgst.String()))
		return Outcome{Accepted: false, Digest: dgst, ExistingID: conflict.ExistingID}, nil
	}

	return Outcome{}, fmt.Errorf("failed to reserve content hash: %w", err)
}
