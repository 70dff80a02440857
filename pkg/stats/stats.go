package stats

import (
	"context"
	"fmt"

	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ValueFunc computes the value of a stat. It is only called when the stat
// does not exist yet.
type ValueFunc func(ctx context.Context, uow store.Store) (int64, error)

// Aggregator creates named statistics attached to an item. A stat is
// created at most once per (item, name): the first value written wins and
// later computations are discarded.
type Aggregator interface {
	Upsert(
		ctx context.Context,
		uow store.Store,
		itemID uuid.UUID,
		name string,
		compute ValueFunc,
	) (bool, error)
}

// Compile-time interface check.
var _ Aggregator = (*aggregator)(nil)

type aggregator struct {
	log logrus.FieldLogger
}

// NewAggregator creates a new stat aggregator.
func NewAggregator(log logrus.FieldLogger) Aggregator {
	return &aggregator{
		log: log.WithField("component", "stats"),
	}
}

// Upsert creates the stat unless it already exists and reports whether it
// was created. The existence check only saves the computation; the insert
// itself ignores conflicts, so concurrent callers cannot create duplicates.
func (a *aggregator) Upsert(
	ctx context.Context,
	uow store.Store,
	itemID uuid.UUID,
	name string,
	compute ValueFunc,
) (bool, error) {
	exists, err := uow.StatExists(ctx, itemID, name)
	if err != nil {
		return false, err
	}

	if exists {
		return false, nil
	}

	value, err := compute(ctx, uow)
	if err != nil {
		return false, fmt.Errorf("computing stat %s: %w", name, err)
	}

	created, err := uow.InsertStatIfAbsent(ctx, &store.ItemStat{
		ItemID: itemID,
		Name:   name,
		Value:  value,
	})
	if err != nil {
		return false, err
	}

	a.log.WithFields(logrus.Fields{
		"item_id": itemID,
		"stat":    name,
		"value":   value,
		"created": created,
	}).Debug("Recorded stat")

	return created, nil
}

// Constant returns a ValueFunc that always yields v.
func Constant(v int64) ValueFunc {
	return func(context.Context, store.Store) (int64, error) {
		return v, nil
	}
}

// SumOf returns a ValueFunc summing the named stat over the given items.
// Items without the stat contribute zero.
func SumOf(name string, itemIDs []uuid.UUID) ValueFunc {
	return func(ctx context.Context, uow store.Store) (int64, error) {
		return uow.SumStats(ctx, itemIDs, name)
	}
}
