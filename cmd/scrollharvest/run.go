package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/platform"
	"github.com/Rorqualx/scrollharvest/internal/publisher/memory"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

const pollInterval = 500 * time.Millisecond

type runOptions struct {
	platform string
	target   string
	count    int
	timeout  int
	records  bool
}

// runOutput is what `run` prints when the job ends.
type runOutput struct {
	Job     job.Job          `json:"job"`
	Records []extract.Record `json:"records,omitempty"`
}

func newRunCmd(st *rootState) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one job in-process and print its result as JSON",
		Example: `  scrollharvest run --platform twitter --target @golang --count 50
  scrollharvest run --platform youtube --target UC_x5XG1OV2P6uZZ5FSM9Ttw --records`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJob(ctx, st.cfg, *opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.platform, "platform", "p", "", "platform to extract from (twitter, youtube)")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "handle, channel, list id or URL")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "records to collect (0 uses the platform default)")
	cmd.Flags().IntVar(&opts.timeout, "timeout", 0, "job timeout in seconds (0 uses the platform default)")
	cmd.Flags().BoolVar(&opts.records, "records", false, "include the extracted records in the output")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runJob(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) error {
	opts.platform = strings.ToLower(strings.TrimSpace(opts.platform))
	if !slices.Contains(platform.Builtin(), opts.platform) {
		return fmt.Errorf("%w: %q (choose from %s)", types.ErrUnknownPlatform, opts.platform, strings.Join(platform.Builtin(), ", "))
	}

	// Cap at one job so the lone run never shares the pool.
	cfg.MaxConcurrentJobs = 1

	a, err := newApp(ctx, cfg, []string{opts.platform})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}()

	jobOpts := types.JobOptions{TargetCount: opts.count, TimeoutSeconds: opts.timeout}
	if err := jobOpts.Validate(); err != nil {
		return err
	}

	var finished <-chan job.Event
	if pub, ok := a.notifier.(*memory.Publisher); ok {
		finished = pub.Subscribe(4)
	}

	id, err := a.manager.Submit(ctx, job.Request{Platform: opts.platform, Target: opts.target, Options: jobOpts})
	if err != nil {
		return err
	}

	goal := opts.count
	if goal <= 0 {
		if pc, ok := cfg.Platform(opts.platform); ok {
			goal = pc.TargetCount
		}
	}

	j, err := waitForJob(ctx, a.manager, id, finished, newProgressBar(goal, opts.platform))
	if err != nil {
		return err
	}

	result := runOutput{Job: j}
	if opts.records {
		result.Records, err = a.manager.Records(context.Background(), id, 0)
		if err != nil {
			return fmt.Errorf("failed to load records: %w", err)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if j.Status == job.StatusFailed {
		if j.Result != nil {
			return fmt.Errorf("job %s failed: %s", id, j.Result.EndReason)
		}
		return fmt.Errorf("job %s failed", id)
	}
	return nil
}

// jobWatcher is the part of the manager waitForJob polls.
type jobWatcher interface {
	Status(ctx context.Context, jobID string) (job.Job, error)
	Cancel(jobID string) error
}

// waitForJob polls until the job is terminal. An event for the job on
// finished triggers an immediate poll. Cancelling ctx cancels the job and
// keeps polling for its final state.
func waitForJob(ctx context.Context, m jobWatcher, id string, finished <-chan job.Event, bar *progressbar.ProgressBar) (job.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		j, err := m.Status(context.Background(), id)
		if err != nil {
			return job.Job{}, err
		}
		if bar != nil {
			n := j.Counters.ItemCount
			if total := bar.GetMax(); total > 0 {
				n = min(n, total)
			}
			_ = bar.Set(n)
		}
		if j.Status.Terminal() {
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			return j, nil
		}

		select {
		case <-done:
			log.Warn().Str("job_id", id).Msg("Interrupted, cancelling job")
			if err := m.Cancel(id); err != nil && !errors.Is(err, types.ErrJobNotFound) {
				return j, err
			}
			done = nil
		case ev, ok := <-finished:
			if !ok {
				finished = nil
			} else if ev.JobID != id {
				log.Debug().Str("job_id", ev.JobID).Msg("Ignoring event for another job")
			}
		case <-ticker.C:
		}
	}
}

func newProgressBar(total int, platform string) *progressbar.ProgressBar {
	if total <= 0 {
		total = -1
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(platform+" records"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
