package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/api"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

var (
	flagServer string
	flagOutput string
	flagWait   bool
)

func init() {
	submitCmd.Flags().StringVar(&flagServer, "server", "", "server url, default derived from server.listen")
	submitCmd.Flags().StringVar(&flagOutput, "output", "", "output directory on the server, default jobs.output_dir")
	submitCmd.Flags().BoolVar(&flagWait, "wait", false, "wait for the job and print its log")
}

var submitCmd = &cobra.Command{
	Use:   "submit URL",
	Short: "submit sends a video to a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  doSubmit,
}

func doSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	server := flagServer
	if server == "" {
		server = serverURL(config.Server.Listen)
	}
	client, err := api.NewClient(server)
	if err != nil {
		return err
	}

	created, err := client.Download(ctx, args[0], flagOutput)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job:    %s\n", created.JobID)
	fmt.Fprintf(out, "pid:    %d\n", created.ProcessID)
	fmt.Fprintf(out, "log:    %s\n", created.LogPath)
	fmt.Fprintf(out, "output: %s\n", created.OutputDir)
	if !flagWait {
		return nil
	}

	job, err := waitJob(cmd, client, created.JobID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if err := client.Log(ctx, job.ID, out); err != nil {
		return err
	}
	if !job.Terminal.Success() {
		return fmt.Errorf("job %s failed: exit code %d %s", job.ID, job.Terminal.ExitCode, job.Terminal.Reason)
	}
	return nil
}

func waitJob(cmd *cobra.Command, client *api.Client, id string) (model.Job, error) {
	ctx := cmd.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := client.Job(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if !job.Running() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return model.Job{}, errors.Join(ctx.Err(), client.Cancel(context.WithoutCancel(ctx), id))
		case <-ticker.C:
		}
	}
}

// serverURL turns a listen address into the url of the local server.
func serverURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
