package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dirsynch/internal/daemon"
	"dirsynch/internal/logger"
	"dirsynch/internal/pipeline"
	"dirsynch/internal/transfer"
)

var watchExcludes []string

var watchCmd = &cobra.Command{
	Use:   "watch <source-dir> <destination>",
	Short: "Watch a directory and mirror every change to the destination",
	Long: `Watches <source-dir> for changes and mirrors them to <destination>,
which is either a local path or a host:path reachable over sshfs.
The destination base directory must already exist.`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	defer logger.Sync()
	src, dstSpec := args[0], args[1]

	rules, err := pipeline.NewRules(
		append(append([]string{}, cfg.Excludes...), watchExcludes...),
		pipeline.MatchMode(cfg.ExcludeMode),
	)
	if err != nil {
		return err
	}

	target := transfer.ParseTarget(dstSpec)
	dst := target.Path
	if target.Remote() {
		mount, err := transfer.MountSSHFS(target)
		if err != nil {
			return err
		}
		defer func() {
			if err := mount.Close(); err != nil {
				logger.Log.Warn("unmount failed", zap.Error(err))
			}
		}()
		dst = mount.Path()
	}

	executor, err := transfer.NewMirror(src, dst, rules)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, src, target.String(), executor, rules)
	if err != nil {
		return err
	}

	if err := d.Start(cmd.Context()); err != nil {
		return err
	}

	logger.Log.Info("syncing",
		zap.String("src", src),
		zap.String("dst", target.String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Log.Info("shutting down",
			zap.String("signal", sig.String()))
	case <-d.StopRequested():
		logger.Log.Info("stop requested via API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace*2)
	defer cancel()
	return d.Stop(ctx)
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchExcludes, "exclude", "x", nil,
		"comma-separated patterns; matching paths are not synced")
	rootCmd.AddCommand(watchCmd)
}
