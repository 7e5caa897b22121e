package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"stackline/internal/burst"
	"stackline/internal/client"
	"stackline/internal/config"
	"stackline/internal/credentials"
	"stackline/internal/events"
	"stackline/internal/hdr"
	"stackline/internal/logging"
	"stackline/internal/pipeline"
	"stackline/internal/resume"
	"stackline/internal/transfer"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0-dev"

// pipelineAPI is the server surface the client-side commands use.
type pipelineAPI interface {
	transfer.API
	CreateJob(ctx context.Context, name, workflowID string) (pipeline.Job, error)
	RegisterGroups(ctx context.Context, jobID string, reg pipeline.Registration) (pipeline.Snapshot, error)
	Regroup(ctx context.Context, jobID string, thresholdSeconds float64) (pipeline.Snapshot, error)
	Merge(ctx context.Context, jobID, groupID string) (pipeline.Snapshot, error)
	Split(ctx context.Context, jobID, groupID string) (pipeline.Snapshot, error)
	SetRepresentative(ctx context.Context, jobID, groupID string, index int) (pipeline.Group, error)
	Status(ctx context.Context, jobID string) (pipeline.Snapshot, error)
	Start(ctx context.Context, jobID string, skip []string) (pipeline.Snapshot, error)
	RetryMissing(ctx context.Context, jobID string) (client.RetryResult, error)
	Cancel(ctx context.Context, jobID string) (pipeline.Snapshot, error)
	PresignDownload(ctx context.Context, jobID string) (client.Download, error)
	Jobs(ctx context.Context) ([]pipeline.Job, error)
	Follow(ctx context.Context, jobID string, opts client.FollowOptions, fn func(events.Event) error) (string, error)
}

type apiFactory func(serverURL, token string) pipelineAPI

// metadataExtractor reads capture metadata for grouping.
type metadataExtractor interface {
	Extract(ctx context.Context, paths []string) ([]burst.Frame, error)
}

type toolChecker interface {
	Status() []hdr.ToolStatus
}

type serverFunc func(ctx context.Context, cfg *config.Config, log *slog.Logger) error

// Root holds the dependencies shared by every command. The factories are
// swapped out in tests.
type Root struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	out        io.Writer

	newAPI       apiFactory
	newExtractor func(exiftool string) metadataExtractor
	newTools     func(cfg config.HDR) toolChecker
	serveFn      serverFunc
	openResume   func(path string) *resume.File
	httpClient   *http.Client
	interactive  bool
}

// NewRoot returns a Root talking to real servers and tools.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	r := &Root{
		cfg:        cfg,
		configPath: config.DefaultPath(),
		log:        logging.Or(logger),
		out:        os.Stdout,
		newAPI: func(serverURL, token string) pipelineAPI {
			return client.New(serverURL, credentials.Static(token), nil, logger)
		},
		newExtractor: func(exiftool string) metadataExtractor {
			return burst.NewExtractor(exiftool, logger)
		},
		newTools: func(cfg config.HDR) toolChecker {
			return hdr.NewToolManager(cfg)
		},
		serveFn:    defaultServe,
		openResume: resume.Open,
		httpClient: &http.Client{},
	}
	r.interactive = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return r
}

func (r *Root) api() pipelineAPI {
	return r.newAPI(r.cfg.Client.ServerURL, r.cfg.Client.Token)
}

func (r *Root) resumeFile() *resume.File {
	return r.openResume(r.cfg.Paths.ResumeFile)
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		tr := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				tr[i] = row[i]
			} else {
				tr[i] = ""
			}
		}
		tw.AppendRow(tr)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// groupRows renders a local grouping preview.
func groupRows(groups []burst.Group) [][]string {
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		var size int64
		for _, f := range g.Frames {
			size += f.Size
		}
		first := g.Frames[0].Filename
		last := g.Frames[len(g.Frames)-1].Filename
		span := first
		if first != last {
			span = first + " … " + last
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", g.Index),
			g.Type,
			fmt.Sprintf("%d", len(g.Frames)),
			span,
			humanize.Bytes(uint64(size)),
			fmt.Sprintf("%.2f", g.Confidence.Score),
			g.Confidence.Decision,
		})
	}
	return rows
}

// snapshotRows renders a server snapshot's groups.
func snapshotRows(snap pipeline.Snapshot) [][]string {
	rows := make([][]string, 0, len(snap.Groups))
	for _, g := range snap.Groups {
		uploaded := 0
		for _, f := range g.Frames {
			if f.Status == pipeline.FrameUploaded {
				uploaded++
			}
		}
		state := string(g.Status)
		if g.Skip {
			state += " (skipped)"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", g.Index),
			g.ID,
			fmt.Sprintf("%d/%d", uploaded, len(g.Frames)),
			state,
			g.Error,
		})
	}
	return rows
}

func (r *Root) printSnapshot(snap pipeline.Snapshot) {
	j := snap.Job
	r.printf("Job %s  %q\n", j.ID, j.Name)
	r.printf("Status: %s", j.Status)
	if j.Error != "" {
		r.printf("  (%s)", j.Error)
	}
	r.printf("\nGroups: %d  Updated: %s\n", j.GroupCount, humanize.Time(j.UpdatedAt))
	if len(snap.Groups) > 0 {
		r.printf("%s\n", renderTable(
			[]string{"#", "Group", "Frames", "Status", "Error"},
			snapshotRows(snap),
			[]columnAlignment{alignRight, alignLeft, alignRight},
		))
	}
}

// registration converts a local grouping into the server's request shape.
func registration(groups []burst.Group, threshold time.Duration) pipeline.Registration {
	reg := pipeline.Registration{ThresholdSeconds: threshold.Seconds()}
	for _, g := range groups {
		rg := pipeline.RegisterGroup{Representative: g.Representative}
		for _, f := range g.Frames {
			rg.Frames = append(rg.Frames, pipeline.RegisterFrame{
				Filename:     f.Filename,
				Size:         f.Size,
				CaptureTime:  f.CaptureTime,
				HasExif:      f.TimeSource == burst.SourceExif,
				ExposureBias: f.ExposureBias,
				ExposureTime: f.ExposureTime,
				FNumber:      f.FNumber,
				FocalLength:  f.FocalLength,
				ISO:          f.ISO,
			})
		}
		reg.Groups = append(reg.Groups, rg)
	}
	return reg
}

// projectName derives a job name from the source folder.
func projectName(source string) string {
	base := filepath.Base(filepath.Clean(source))
	if base == "." || base == string(filepath.Separator) {
		return "untitled"
	}
	return strings.TrimSpace(base)
}
