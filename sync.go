package lattice

import (
	"context"

	"github.com/latticedb/lattice/internal/outbox"
	"github.com/latticedb/lattice/internal/syncmerge"
)

// FetchFunc retrieves remote changes and applies them, typically by
// calling Database.ApplyServerChanges itself — watermarks holds this
// database's last-applied server HLC per table (spec §6), letting the
// caller's transport ask the remote for only what changed since.
type FetchFunc func(ctx context.Context, watermarks map[string]string) error

// SendFunc delivers a batch of pending outbound changes to a remote peer.
// The returned bool reports whether the batch was durably accepted; on
// false (or a non-nil error) the entries stay in the outbox and will be
// retried on the next Sync (spec §6).
type SendFunc func(ctx context.Context, ops []outbox.Entry) (bool, error)

// Watermarks returns the last-applied server HLC, as its canonical
// string, for every user table in the schema.
func (db *Database) Watermarks(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(db.schema.Tables))
	for _, t := range db.schema.Tables {
		h, err := syncmerge.GetWatermark(ctx, db.engine, t.Name)
		if err != nil {
			return nil, err
		}
		out[t.Name] = h.String()
	}
	return out, nil
}

// Sync runs one inbound/outbound synchronization round (spec §6): fetch
// first applies remote changes up to this database's current watermarks,
// then every row still pending in the outbox is handed to send; entries
// send durably accepts are removed from the outbox, entries it doesn't
// accept are retried on the next call.
func (db *Database) Sync(ctx context.Context, fetch FetchFunc, send SendFunc) error {
	if fetch != nil {
		watermarks, err := db.Watermarks(ctx)
		if err != nil {
			return err
		}
		if err := fetch(ctx, watermarks); err != nil {
			return err
		}
	}

	if send == nil {
		return nil
	}

	pending, err := outbox.GetAllDirty(ctx, db.engine)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	accepted, err := send(ctx, pending)
	if err != nil {
		return err
	}
	if !accepted {
		return nil
	}

	return outbox.Remove(ctx, db.engine, pending)
}
