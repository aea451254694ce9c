package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"taskgrid/internal/domain"
	"taskgrid/internal/repo"
)

// ScanPartitions runs fn once per partition with at most partitions.scan_workers
// in flight. No ordering holds across partitions. The first error cancels the rest.
func (e Engine) ScanPartitions(ctx context.Context, partitions []int, fn func(ctx context.Context, partition int) error) error {
	workers := e.cfg().Partitions.ScanWorkers
	if workers < 1 {
		workers = 1
	}
	var unique []int
	seen := map[int]bool{}
	for _, p := range partitions {
		if p < 0 {
			return fmt.Errorf("%w: partition %d", domain.ErrInvalidArgument, p)
		}
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range unique {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, p)
		})
	}
	return g.Wait()
}

// ListTasksInPartitions fans a task listing out over partitions and merges the
// results grouped by partition, in the order partitions were given.
func (e Engine) ListTasksInPartitions(ctx context.Context, partitions []int, f repo.TaskFilters) ([]domain.Task, error) {
	var mu sync.Mutex
	byPartition := map[int][]domain.Task{}
	err := e.ScanPartitions(ctx, partitions, func(ctx context.Context, p int) error {
		pf := f
		pf.Partition = &p
		tasks, err := e.Repo.ListTasks(ctx, pf)
		if err != nil {
			return fmt.Errorf("partition %d: %w", p, err)
		}
		mu.Lock()
		byPartition[p] = tasks
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	done := map[int]bool{}
	for _, p := range partitions {
		if done[p] {
			continue
		}
		done[p] = true
		res = append(res, byPartition[p]...)
	}
	return res, nil
}
