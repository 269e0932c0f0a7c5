package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/crystian/incant/pkg/engine"
	"github.com/crystian/incant/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		interval  time.Duration
		keepGoing bool
	)

	cmd := &cobra.Command{
		Use:   "watch <manifest>...",
		Short: "Apply continuously on manifest changes",
		Long: `Apply the manifests, then keep watching them and re-apply whenever
a file changes. Policy files given with --policy are hot-reloaded the
same way. An optional interval re-applies periodically even without
changes, correcting drift.`,
		Example: `  incant watch site.yaml

  # Re-apply at least every 10 minutes
  incant watch --interval 10m manifests/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			opts := engine.Options{
				KeepGoing:   keepGoing,
				Environment: environment,
				User:        os.Getenv("USER"),
			}

			applyOnce := func() {
				m, err := rt.loader.Load(ctx, args)
				if err != nil {
					rt.log.Error().Err(err).Msg("manifest load failed")
					return
				}
				summary, err := rt.engine.Apply(ctx, m, opts)
				if err != nil {
					rt.log.Error().Err(err).Msg("apply failed")
				}
				if summary != nil {
					_ = printSummary(cmd.OutOrStdout(), summary, jsonOutput)
				}
			}

			if len(policyPaths) > 0 {
				loader := policy.NewLoader(rt.log)
				defer loader.Close()
				err := loader.Watch(ctx, policyPaths, func(policies []policy.Policy) error {
					return rt.policies.Replace(ctx, policies)
				})
				if err != nil {
					return err
				}
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				// Watch the directory so editors that replace files are seen.
				if !info.IsDir() {
					path = filepath.Dir(path)
				}
				if err := watcher.Add(path); err != nil {
					return err
				}
			}

			applyOnce()
			return watchLoop(ctx, watcher, interval, rt, applyOnce)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "re-apply periodically even without changes")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue past failed declarations")

	return cmd
}

// watchLoop debounces change bursts and re-applies. It returns when the
// context is cancelled.
func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, interval time.Duration, rt *runtime, apply func()) error {
	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !manifestFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rt.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("manifest changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rt.log.Warn().Err(err).Msg("watcher error")

		case <-debounceCh:
			apply()

		case <-tick:
			apply()
		}
	}
}

func manifestFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
