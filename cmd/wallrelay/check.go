package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/deps"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/service"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check verifies the downloader binary and the tools it needs are installed",
	Args:  cobra.NoArgs,
	RunE:  doCheck,
}

func doCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	statuses, err := deps.Check(ctx, deps.DefaultTools)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		slog.DebugContext(ctx, "dependency", s.Attr())
		if s.Available {
			fmt.Fprintf(out, "ok       %-8s %s\n", s.Tool.Name, s.Version)
			continue
		}
		fmt.Fprintf(out, "missing  %-8s %s\n", s.Tool.Name, s.Tool.InstallHint)
	}

	bin, binErr := service.ResolveBinary(config.Jobs.Binaries)
	if binErr == nil {
		fmt.Fprintf(out, "ok       %-8s %s\n", "binary", bin)
	} else {
		fmt.Fprintf(out, "missing  %-8s build it with: cargo build --release\n", "binary")
	}

	return errors.Join(deps.Missing(statuses), binErr)
}
