package cli

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stackline/internal/config"
	"stackline/internal/ingest"
	"stackline/internal/resume"
	"stackline/internal/server"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log))
}

func newRootCmd(root *Root) *cobra.Command {
	var (
		serverURL string
		token     string
	)

	rootCmd := &cobra.Command{
		Use:   "stackline",
		Short: "Stackline turns bracketed photo shoots into finished HDR images",
		Long: `Stackline groups bracketed exposures by capture time, uploads them to a
processing server, fuses each group into one HDR image, runs the chosen
enhancement workflow and packages the results for download.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("server") {
				root.cfg.Client.ServerURL = serverURL
			}
			if cmd.Flags().Changed("token") {
				root.cfg.Client.Token = token
			}
		},
	}
	rootCmd.SetOut(root.out)
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (overrides client.server_url)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (overrides client.token)")

	// Local commands
	rootCmd.AddCommand(newGroupCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	// Job commands against a running server
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newResumeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newEditCmd(root))
	rootCmd.AddCommand(newEventsCmd(root))
	rootCmd.AddCommand(newRetryCmd(root))
	rootCmd.AddCommand(newCancelCmd(root))
	rootCmd.AddCommand(newDownloadCmd(root))

	// Server side
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newTokenCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))

	return rootCmd
}

func thresholdFlag(cmd *cobra.Command, root *Root, seconds *float64) {
	cmd.Flags().Float64Var(seconds, "threshold", root.cfg.Grouping.ThresholdSeconds, "seconds between captures that still belong to one burst")
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func newGroupCmd(root *Root) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "group <input_directory>",
		Short: "Preview how captures will be grouped",
		Long: `Read capture metadata from a folder and print the bursts that would be
registered, without contacting the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := root.localGroups(cmd.Context(), submitOptions{
				Source:    args[0],
				Threshold: secondsToDuration(threshold),
			})
			if err != nil {
				return err
			}
			brackets := 0
			for _, g := range groups {
				if len(g.Frames) > 1 {
					brackets++
				}
			}
			root.printf("%s\n", renderTable(
				[]string{"#", "Type", "Frames", "Files", "Size", "Confidence", "Decision"},
				groupRows(groups),
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight, alignRight},
			))
			root.printf("%d groups (%d brackets) at %.1fs threshold\n", len(groups), brackets, threshold)
			return nil
		},
	}
	thresholdFlag(cmd, root, &threshold)
	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		opts      submitOptions
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "submit <input_directory>",
		Short: "Group, upload and process a folder of captures",
		Long: `Create a job on the server, register the local grouping, upload every
capture and start processing. Interrupted uploads can be continued with
"stackline resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Source = args[0]
			opts.Threshold = secondsToDuration(threshold)
			snap, err := root.submit(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if !opts.Wait {
				root.printf("Job %s is %s. Follow it with: stackline events %s\n", snap.Job.ID, snap.Job.Status, snap.Job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Name, "name", "n", "", "job name (defaults to the folder name)")
	cmd.Flags().StringVarP(&opts.WorkflowID, "workflow", "w", "", "enhancement workflow ID (server default if empty)")
	cmd.Flags().IntSliceVar(&opts.SkipGroups, "skip", nil, "group numbers to leave out of processing")
	cmd.Flags().BoolVar(&opts.NoStart, "no-start", false, "upload only and leave the job unstarted")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "follow progress until the job finishes")
	thresholdFlag(cmd, root, &threshold)
	return cmd
}

func newResumeCmd(root *Root) *cobra.Command {
	var (
		source    string
		wait      bool
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue the last interrupted submission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, ok, err := root.resumeFile().Load()
			if err != nil {
				return fmt.Errorf("read resume record: %w", err)
			}
			if !ok {
				root.printf("Nothing to resume\n")
				return nil
			}
			if source == "" {
				source = rec.Source
			}
			if rec.Server != "" && !cmd.Flags().Changed("server") {
				root.cfg.Client.ServerURL = rec.Server
			}
			root.printf("Resuming job %s from %s\n", rec.JobID, source)
			_, err = root.submit(cmd.Context(), submitOptions{
				Source:     source,
				WorkflowID: rec.WorkflowID,
				Threshold:  secondsToDuration(threshold),
				Wait:       wait,
				Mode:       rec.Mode,
				JobID:      rec.JobID,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "folder holding the originals if they moved")
	cmd.Flags().BoolVar(&wait, "wait", false, "follow progress until the job finishes")
	thresholdFlag(cmd, root, &threshold)
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		quiet     time.Duration
		minFiles  int
		workflow  string
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Submit new captures as they land in a folder",
		Long: `Watch a tethering or card-import folder. Files that arrive together are
submitted as one job once the folder has been quiet for a while.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			w, err := ingest.New(dir, ingest.Options{Quiet: quiet, MinFiles: minFiles}, func(ctx context.Context, b ingest.Batch) error {
				root.printf("%s  %d new captures\n", b.At.Local().Format("15:04:05"), len(b.Paths))
				_, err := root.submit(ctx, submitOptions{
					Source:     b.Dir,
					Paths:      b.Paths,
					Name:       projectName(b.Dir) + " " + b.At.Local().Format("15:04:05"),
					WorkflowID: workflow,
					Threshold:  secondsToDuration(threshold),
					Mode:       resume.ModeWatch,
				})
				return err
			}, root.log)
			if err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			root.printf("Watching %s (quiet %s, min %d files)\n", dir, quiet, minFiles)
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&quiet, "quiet", 5*time.Second, "idle time that closes a batch")
	cmd.Flags().IntVar(&minFiles, "min-files", 1, "hold batches smaller than this")
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "enhancement workflow ID")
	thresholdFlag(cmd, root, &threshold)
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job_id]",
		Short: "Show one job, or list your jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := root.api()
			if len(args) == 1 {
				snap, err := api.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				root.printSnapshot(snap)
				return nil
			}
			jobs, err := api.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				root.printf("No jobs\n")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{j.ID, j.Name, string(j.Status), strconv.Itoa(j.GroupCount), humanize.Time(j.UpdatedAt)})
			}
			root.printf("%s\n", renderTable(
				[]string{"Job", "Name", "Status", "Groups", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}

// newEditCmd groups the grouping corrections allowed before a job starts.
func newEditCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Correct the grouping of a job before processing",
	}

	regroup := &cobra.Command{
		Use:   "regroup <job_id> <seconds>",
		Short: "Regroup every frame with a new threshold",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[1], err)
			}
			snap, err := root.api().Regroup(cmd.Context(), args[0], seconds)
			if err != nil {
				return err
			}
			root.printSnapshot(snap)
			return nil
		},
	}

	merge := &cobra.Command{
		Use:   "merge <job_id> <group_id>",
		Short: "Merge a group into the one before it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := root.api().Merge(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			root.printSnapshot(snap)
			return nil
		},
	}

	split := &cobra.Command{
		Use:   "split <job_id> <group_id>",
		Short: "Split a group into single frames",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := root.api().Split(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			root.printSnapshot(snap)
			return nil
		},
	}

	rep := &cobra.Command{
		Use:   "representative <job_id> <group_id> <frame_number>",
		Short: "Choose the preview frame of a group (1-based)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid frame index %q: %w", args[2], err)
			}
			g, err := root.api().SetRepresentative(cmd.Context(), args[0], args[1], index)
			if err != nil {
				return err
			}
			name := ""
			if g.Representative >= 1 && g.Representative <= len(g.Frames) {
				name = g.Frames[g.Representative-1].Filename
			}
			root.printf("Group %d now previews %s\n", g.Index, name)
			return nil
		},
	}

	cmd.AddCommand(regroup, merge, split, rep)
	return cmd
}

func newEventsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "events <job_id>",
		Short: "Stream a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.follow(cmd.Context(), root.api(), args[0])
		},
	}
}

func newRetryCmd(root *Root) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "retry <job_id>",
		Short: "Requeue the failed groups of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := root.api()
			res, err := api.RetryMissing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			root.printf("Requeued %d groups\n", res.Requeued)
			if wait && res.Requeued > 0 {
				_, err = root.waitForJob(cmd.Context(), api, root.resumeFile(), args[0])
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "follow progress until the job finishes")
	return cmd
}

func newCancelCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Stop a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := root.api().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			root.printf("Job %s is %s\n", snap.Job.ID, snap.Job.Status)
			return nil
		},
	}
}

func newDownloadCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <job_id>",
		Short: "Download the finished package of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := root.download(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			root.printf("Saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file or directory to write the archive to")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the processing server",
		Long: `Start the HTTP API, the event stream, the worker pool and the gRPC health
service. Jobs that were in flight when the server stopped are restored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				root.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			root.log.Info("starting server",
				"addr", root.cfg.Server.Addr,
				"grpc_addr", root.cfg.Server.GRPCAddr,
				"database", root.cfg.Paths.DatabasePath,
				"blob_root", root.cfg.Paths.BlobRoot,
			)
			return root.serveFn(cmd.Context(), root.cfg, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address (host:port)")
	return cmd
}

func newTokenCmd(root *Root) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is not set")
			}
			auth := server.NewAuthenticator(root.cfg.Auth.Secret, time.Duration(root.cfg.Auth.TokenTTLHours)*time.Hour)
			tok, exp, err := auth.Issue(owner)
			if err != nil {
				return err
			}
			root.log.Debug("token issued", "owner", owner, "expires", exp)
			root.printf("%s\n", tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&owner, "user", "u", "", "owner the token is issued for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("stackline %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
