package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"taskgrid/internal/metrics"
	"taskgrid/internal/repo"
)

var purgeBatch = 100

// Purge hard-deletes tasks soft-deleted more than olderThan ago, one subtree per
// transaction. It returns how many task subtrees were removed.
func (e Engine) Purge(ctx context.Context, olderThan time.Duration, actorID string) (int, error) {
	cutoff := repo.FormatTime(e.now().Add(-olderThan))
	purged := 0
	for {
		ids, err := e.Repo.SoftDeletedBefore(ctx, cutoff, purgeBatch)
		if err != nil {
			return purged, err
		}
		if len(ids) == 0 {
			break
		}
		// a missing id is already gone (earlier parent, or another purger),
		// so the next query never returns it again
		for _, id := range ids {
			_, err := e.DeleteTask(ctx, DeleteOptions{ID: id, ActorID: actorID})
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				metrics.Purged(purged)
				return purged, err
			}
			purged++
		}
	}
	metrics.Purged(purged)
	e.log().WithFields(logrus.Fields{"purged": purged, "cutoff": cutoff}).Info("purge finished")
	return purged, nil
}
