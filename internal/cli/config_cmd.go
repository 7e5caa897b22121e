package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stackline/internal/config"
	"stackline/internal/logging"
	"stackline/internal/pipeline"
	"stackline/internal/storage"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or create the stackline configuration file",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				data, err := json.MarshalIndent(masked(root.cfg), "", "  ")
				if err != nil {
					return err
				}
				root.printf("%s\n", data)
				return nil
			}
			return root.configShow()
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the effective configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(false); err != nil {
				return err
			}
			if root.cfg.Auth.Secret == "" {
				root.printf("Configuration is valid for client use; serve needs auth.secret\n")
				return nil
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(config.Default(), path); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			root.printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

// masked copies cfg with credentials blanked out.
func masked(cfg *config.Config) config.Config {
	out := *cfg
	out.Auth.Secret = mask(out.Auth.Secret)
	out.Redis.Password = mask(out.Redis.Password)
	out.Client.Token = mask(out.Client.Token)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func (r *Root) configShow() error {
	c := r.cfg
	r.printf("Current configuration:\n")
	r.printf("Config file: %s\n", r.configPath)
	r.printf("\nServer:\n")
	r.printf("  Address: %s (gRPC %s)\n", c.Server.Addr, c.Server.GRPCAddr)
	r.printf("  Public URL: %s\n", c.Server.PublicURL)
	r.printf("  Auth secret: %s\n", orUnset(mask(c.Auth.Secret)))
	r.printf("\nPaths:\n")
	r.printf("  Database: %s\n", c.Paths.DatabasePath)
	r.printf("  Blob root: %s\n", c.Paths.BlobRoot)
	r.printf("  Temp directory: %s\n", c.Paths.TempDir)
	r.printf("  Resume file: %s\n", c.Paths.ResumeFile)
	r.printf("\nGrouping:\n")
	r.printf("  Threshold: %.1fs\n", c.Grouping.ThresholdSeconds)
	r.printf("  Tool folder: %s\n", c.Grouping.ToolFolder)
	r.printf("\nTransfer:\n")
	r.printf("  Multipart above: %s, parts of %s\n",
		humanize.IBytes(uint64(c.Transfer.MultipartThreshold())), humanize.IBytes(uint64(c.Transfer.PartSize())))
	r.printf("  Concurrency: %d-%d (start %d)\n", c.Transfer.Concurrency.Min, c.Transfer.Concurrency.Max, c.Transfer.Concurrency.Initial)
	r.printf("\nProcessing:\n")
	r.printf("  Workers: %d, queue %d\n", c.Processing.Workers, c.Processing.QueueSize)
	r.printf("  Retry limit: %d\n", c.Processing.RetryLimit)
	r.printf("  Default workflow: %s\n", c.Enhance.DefaultWorkflow)
	if c.Redis.Addr != "" {
		r.printf("  Event relay: redis %s (%s)\n", c.Redis.Addr, c.Redis.Channel)
	}
	r.printf("\nClient:\n")
	r.printf("  Server URL: %s\n", c.Client.ServerURL)
	r.printf("  Token: %s\n", orUnset(mask(c.Client.Token)))
	r.printf("\nLogging:\n")
	r.printf("  Level: %s, format %s\n", c.Logging.Level, c.Logging.Format)
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external tools the compositor runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := root.newTools(root.cfg.HDR).Status()
			rows := make([][]string, 0, len(statuses))
			missing := 0
			for _, st := range statuses {
				logging.LogToolStatus(root.log, st.Name, st.Available, st.Version, st.Path, st.Error)
				state := "available"
				detail := st.Path
				if !st.Available {
					missing++
					state = "missing"
					if st.Error != nil {
						detail = st.Error.Error()
					}
				}
				rows = append(rows, []string{st.Name, st.Binary, state, st.Version, detail})
			}
			root.printf("%s\n", renderTable([]string{"Tool", "Binary", "Status", "Version", "Path"}, rows, nil))
			if missing > 0 {
				root.printf("%d tools missing; install them on the server host before processing brackets\n", missing)
			}
			return nil
		},
	}
}

// newHistoryCmd reads the server's job database directly.
func newHistoryCmd(root *Root) *cobra.Command {
	var (
		owner string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List jobs recorded in the server database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.RecentJobs(cmd.Context(), owner, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				root.printf("No recorded jobs\n")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				counts, err := store.GroupCounts(cmd.Context(), rec.ID)
				if err != nil {
					return err
				}
				rows = append(rows, []string{rec.ID, rec.OwnerID, rec.Name, rec.Status, groupSummary(counts), humanize.Time(rec.UpdatedAt)})
			}
			root.printf("%s\n", renderTable([]string{"Job", "Owner", "Name", "Status", "Groups", "Updated"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only jobs of this owner")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")

	var days int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished jobs older than a number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			store, err := storage.New(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Prune(cmd.Context(), time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			root.printf("Pruned %d jobs\n", n)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&days, "days", 30, "age in days of the jobs to delete")

	cmd.AddCommand(pruneCmd)
	return cmd
}

func groupSummary(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	parts := []string{strconv.Itoa(total)}
	for _, status := range []pipeline.GroupStatus{pipeline.GroupAIOK, pipeline.GroupFailed, pipeline.GroupSkipped} {
		if n := counts[string(status)]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	return strings.Join(parts, ", ")
}
