package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dirsynch/internal/logger"
	"dirsynch/internal/pipeline"
	"dirsynch/internal/transfer"
)

var syncExcludes []string

var syncCmd = &cobra.Command{
	Use:   "sync <source-dir> <destination>",
	Short: "Mirror the whole tree once and exit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()
		src, dstSpec := args[0], args[1]

		rules, err := pipeline.NewRules(
			append(append([]string{}, cfg.Excludes...), syncExcludes...),
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

		logger.Log.Info("starting full sync",
			zap.String("src", src),
			zap.String("dst", target.String()))

		if err := executor.SyncAll(cmd.Context()); err != nil {
			return err
		}

		fmt.Println("done")
		return nil
	},
}

func init() {
	syncCmd.Flags().StringSliceVarP(&syncExcludes, "exclude", "x", nil,
		"comma-separated patterns; matching paths are not synced")
	rootCmd.AddCommand(syncCmd)
}
