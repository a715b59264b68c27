package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/retrain"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.csv>",
	Short: "Upload a training CSV and print its dataset id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening dataset: %w", err)
		}
		defer f.Close()

		res, err := e.client.Upload(cmd.Context(), args[0], f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, res)
		}
		fmt.Fprintln(os.Stdout, res.DatasetID)
		printSuccess("Uploaded %s", args[0])
		return nil
	},
}

// --- retrain ---

var retrainCmd = &cobra.Command{
	Use:   "retrain <dataset-id>",
	Short: "Start a retrain job",
	Long: `Start a retrain job on an uploaded dataset.

Examples:
  retrainctl retrain ds_42
  retrainctl retrain ds_42 --include-feedbacks --base-model v3 --watch
  retrainctl retrain ds_42 --set promote_if_improved=true`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		include, _ := cmd.Flags().GetBool("include-feedbacks")
		base, _ := cmd.Flags().GetString("base-model")
		extras, _ := cmd.Flags().GetStringArray("set")
		watch, _ := cmd.Flags().GetBool("watch")

		opts := retrain.Options{IncludeFeedbacks: include, BaseModelVersion: base}
		extra, err := parseExtras(extras)
		if err != nil {
			return err
		}
		opts.Extra = extra

		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}

		submitter := retrain.NewSubmitter(e.client, nil, logger.Log)
		jobID, err := submitter.Submit(cmd.Context(), args[0], opts)
		if err != nil {
			return describeSubmitError(err)
		}
		if !watch {
			if jsonOutput {
				return writeJSON(os.Stdout, map[string]string{"job_id": jobID})
			}
			fmt.Fprintln(os.Stdout, jobID)
			return nil
		}

		printStep("Started job %s", jobID)
		return followJob(cmd.Context(), e.client, pollConfig(e.cfg), jobID, os.Stderr)
	},
}

func init() {
	retrainCmd.Flags().Bool("include-feedbacks", false, "include collected user feedback in the training set")
	retrainCmd.Flags().String("base-model", retrain.DefaultBaseModelVersion, "model version to fine-tune from")
	retrainCmd.Flags().StringArray("set", nil, "extra option passed to the backend as key=value (repeatable)")
	retrainCmd.Flags().Bool("watch", false, "follow the job until it finishes")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a retrain job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		return followJob(cmd.Context(), e.client, pollConfig(e.cfg), args[0], os.Stderr)
	},
}

// followJob prints one line per snapshot and fails unless the job completes.
func followJob(ctx context.Context, source retrain.StatusSource, cfg retrain.PollConfig, jobID string, out io.Writer) error {
	poller := retrain.NewPoller(source, cfg, retrain.WithPollerLogger(logger.Log))
	stream, err := poller.Stream(ctx, jobID)
	if err != nil {
		return err
	}
	defer stream.Close()

	for snap := range stream.C {
		if jsonOutput {
			if err := writeJSON(os.Stdout, snapshotJSON(snap)); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, formatSnapshot(snap))
	}

	// C is closed just before the watch finishes, so this does not block for long.
	final, err := stream.Watch().Wait(context.Background())
	if err != nil {
		return err
	}
	switch final.State {
	case retrain.StateCompleted:
		if !jsonOutput {
			printSuccess("Job %s finished: model %s", jobID, orDash(final.ModelVersion))
			if len(final.Metrics) > 0 {
				printStatus("metrics", "%s", formatMetrics(final.Metrics))
			}
		}
		return nil
	case retrain.StateFailed:
		if final.Err != nil {
			return fmt.Errorf("job %s: %w", jobID, final.Err)
		}
		return fmt.Errorf("job %s failed: %s", jobID, orDash(final.Message))
	}
	return fmt.Errorf("stopped watching job %s", jobID)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List retrain jobs (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		jobs, err := e.client.ListJobs(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, map[string]interface{}{"retrain_jobs": jobs})
		}
		return printJobs(os.Stdout, jobs)
	},
}

func printJobs(w io.Writer, jobs []retrain.Job) error {
	if len(jobs) == 0 {
		printWarning("No retrain jobs")
		return nil
	}
	retrain.SortNewestFirst(jobs)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tJOB\tSTATUS\tPROGRESS\tMODEL\tCREATED\tMETRICS")
	for _, r := range retrain.Project(jobs) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.JobID, colorizeStatus(r.Status, r.Tone), r.Progress, r.ModelVersion, r.Created, r.Metrics)
	}
	return tw.Flush()
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show accuracy per model version (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		history, err := e.client.ModelHistory(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, map[string]interface{}{"history": history})
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tACCURACY")
		for _, p := range history {
			fmt.Fprintf(tw, "%s\t%.4f\n", orDash(p.Version), p.Accuracy)
		}
		return tw.Flush()
	},
}

func parseExtras(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", pair)
		}
		// JSON literals (true, 3, {"a":1}) keep their type; anything else is a string.
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func describeSubmitError(err error) error {
	switch {
	case retrain.IsValidationError(err):
		return fmt.Errorf("invalid request: %w", err)
	case retrain.IsTransportError(err):
		return fmt.Errorf("backend unreachable, nothing was submitted: %w", err)
	}
	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
