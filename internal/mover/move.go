package mover

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/telemetry"
)

// filePlan 是單一檔案的 block 佈局與目標儲存媒介
type filePlan struct {
	path   string
	blocks []dfs.LocatedBlock
	policy dfs.Policy
}

// move 將 root（檔案或整棵子樹）的每個副本搬到其儲存策略要求的媒介
//
//  1. 遞迴列出檔案，並行讀取 block 佈局與策略
//  2. 在開始搬移前設定 totalBlocks / totalSize
//  3. 逐副本搬移，每批之後檢查取消
func (p *Pool) move(ctx context.Context, root string, st *Status) error {
	ctx, span := telemetry.Tracer("smart-tier/mover").Start(ctx, "mover.task")
	defer span.End()
	span.SetAttributes(attribute.String("path", root), attribute.String("task_id", st.ID()))

	plans, err := p.plan(ctx, root)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var blocks, size int64
	for _, fp := range plans {
		for _, b := range fp.blocks {
			blocks += int64(len(b.Replicas))
			size += b.Length * int64(len(b.Replicas))
		}
	}
	st.setTotals(blocks, size)
	span.SetAttributes(attribute.Int64("total_blocks", blocks))

	batch := 0
	for _, fp := range plans {
		for _, b := range fp.blocks {
			targets := fp.policy.StorageTypes(len(b.Replicas))
			for i, current := range b.Replicas {
				if current != targets[i] {
					if err := p.client.MoveReplica(ctx, fp.path, b.Index, i, targets[i]); err != nil {
						span.RecordError(err)
						return fmt.Errorf("move %s block %d replica %d to %s: %w", fp.path, b.Index, i, targets[i], err)
					}
				}
				st.addMoved(1)

				batch++
				if batch >= p.cfg.BatchSize {
					batch = 0
					if err := ctx.Err(); err != nil {
						return err
					}
				}
			}
		}
	}
	return ctx.Err()
}

// plan 收集 root 下所有檔案的佈局
func (p *Pool) plan(ctx context.Context, root string) ([]filePlan, error) {
	var paths []string
	err := dfs.Walk(ctx, p.client, root, func(fs dfs.FileStatus) error {
		if !fs.IsDir {
			paths = append(paths, fs.Path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	plans := make([]filePlan, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PlanParallelism)
	for i, fp := range paths {
		g.Go(func() error {
			blocks, err := p.client.GetBlockLocations(gctx, fp)
			if err != nil {
				return fmt.Errorf("block locations %s: %w", fp, err)
			}
			policy, err := p.client.GetStoragePolicy(gctx, fp)
			if err != nil {
				return fmt.Errorf("storage policy %s: %w", fp, err)
			}
			plans[i] = filePlan{path: fp, blocks: blocks, policy: policy}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}
