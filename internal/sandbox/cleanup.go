package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

func (e *ContainerdEngine) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = e.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, syscall.SIGKILL)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, _ := task.Wait(waitCtx); exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to delete container")
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes sandbox containers left over from previous runs.
func (e *ContainerdEngine) CleanupOrphaned(ctx context.Context) (int, error) {
	return e.cleanupMatching(ctx, fmt.Sprintf(`labels."%s"==true`, labelManaged))
}

func (e *ContainerdEngine) cleanupMatching(ctx context.Context, filter string) (int, error) {
	nsCtx := e.client.WithNamespace(ctx)

	list, err := e.client.Raw().Containers(nsCtx, filter)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		if err := e.cleanupContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
