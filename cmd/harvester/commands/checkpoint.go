package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/harvester/internal/domain/grid"
)

func newCheckpointCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the stored harvest cursor.",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the stored checkpoint and the task a run would start with.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDeps(cmd.Context(), v, func(ctx context.Context, d *deps) error {
					return showCheckpoint(ctx, d, cmd.OutOrStdout())
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Delete the stored checkpoint so the next run starts from the first task.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDeps(cmd.Context(), v, func(ctx context.Context, d *deps) error {
					store, err := d.checkpointStore(ctx)
					if err != nil {
						return err
					}
					if err := store.Delete(ctx); err != nil {
						return fmt.Errorf("failed to delete checkpoint: %w", err)
					}
					d.log.Info(ctx, "checkpoint reset", "type", d.cfg.Checkpoint.Type)
					return nil
				})
			},
		},
	)
	return cmd
}

// checkpointView is what "checkpoint show" prints.
type checkpointView struct {
	Checkpoint *grid.Checkpoint `json:"checkpoint"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
	Done       bool             `json:"done"`
	Next       *nextTask        `json:"next,omitempty"`
	Total      int              `json:"total_tasks"`
}

type nextTask struct {
	Coordinate grid.Coordinate `json:"coordinate"`
	Ordinal    int             `json:"ordinal"`
	Dim1       string          `json:"dim1"`
	Dim2       string          `json:"dim2"`
}

func showCheckpoint(ctx context.Context, d *deps, w io.Writer) error {
	g, err := d.grid()
	if err != nil {
		return err
	}
	store, err := d.checkpointStore(ctx)
	if err != nil {
		return err
	}
	cp, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	view, err := describeCheckpoint(g, cp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func describeCheckpoint(g *grid.Grid, cp *grid.Checkpoint) (checkpointView, error) {
	view := checkpointView{Checkpoint: cp, Total: g.Size()}
	if cp != nil && !cp.UpdatedAt().IsZero() {
		ts := cp.UpdatedAt().UTC()
		view.UpdatedAt = &ts
	}

	start, done, err := g.ResumeFrom(cp)
	if err != nil {
		return view, fmt.Errorf("checkpoint does not fit the configured grid: %w", err)
	}
	view.Done = done
	if done {
		return view, nil
	}
	task, err := g.Task(start)
	if err != nil {
		return view, err
	}
	view.Next = &nextTask{
		Coordinate: task.Coordinate(),
		Ordinal:    task.Ordinal(),
		Dim1:       task.Dim1(),
		Dim2:       task.Dim2(),
	}
	return view, nil
}

// withDeps runs fn with dependencies that are released when it returns.
func withDeps(ctx context.Context, v *viper.Viper, fn func(context.Context, *deps) error) error {
	d, err := newDeps(ctx, v)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}
