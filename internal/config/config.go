package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath = "~/.config/stackline/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Server     Server     `json:"server" toml:"server"`
	Logging    Logging    `json:"logging" toml:"logging"`
	Paths      Paths      `json:"paths" toml:"paths"`
	Grouping   Grouping   `json:"grouping" toml:"grouping"`
	Transfer   Transfer   `json:"transfer" toml:"transfer"`
	Processing Processing `json:"processing" toml:"processing"`
	HDR        HDR        `json:"hdr" toml:"hdr"`
	Enhance    Enhance    `json:"enhance" toml:"enhance"`
	Auth       Auth       `json:"auth" toml:"auth"`
	Redis      Redis      `json:"redis" toml:"redis"`
	Client     Client     `json:"client" toml:"client"`
}

// Server configures network listeners.
type Server struct {
	Addr            string `json:"addr" toml:"addr"`
	GRPCAddr        string `json:"grpc_addr" toml:"grpc_addr"`
	PublicURL       string `json:"public_url" toml:"public_url"` // base URL embedded in presigned links
	ShutdownSeconds int    `json:"shutdown_seconds" toml:"shutdown_seconds"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json, traditional, auto
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`
}

// Paths configures on-disk locations.
type Paths struct {
	DatabasePath string `json:"database_path" toml:"database_path"`
	BlobRoot     string `json:"blob_root" toml:"blob_root"`
	TempDir      string `json:"temp_dir" toml:"temp_dir"`
	ResumeFile   string `json:"resume_file" toml:"resume_file"`
}

// Grouping configures the burst grouper.
type Grouping struct {
	ThresholdSeconds float64 `json:"threshold_seconds" toml:"threshold_seconds"`
	ToolFolder       string  `json:"tool_folder" toml:"tool_folder"`
}

// Transfer configures the upload engine. Concurrency applies to whole files,
// PartConcurrency to the parts of one multipart upload.
type Transfer struct {
	MultipartThresholdMB int         `json:"multipart_threshold_mb" toml:"multipart_threshold_mb"`
	PartSizeMB           int         `json:"part_size_mb" toml:"part_size_mb"`
	Concurrency          Concurrency `json:"concurrency" toml:"concurrency"`
	PartConcurrency      Concurrency `json:"part_concurrency" toml:"part_concurrency"`
	RetryAttempts        int         `json:"retry_attempts" toml:"retry_attempts"`
	RetryBaseDelayMS     int         `json:"retry_base_delay_ms" toml:"retry_base_delay_ms"`
	RetryMaxDelayMS      int         `json:"retry_max_delay_ms" toml:"retry_max_delay_ms"`
	PresignTTLMinutes    int         `json:"presign_ttl_minutes" toml:"presign_ttl_minutes"`
	RequestTimeoutSecs   int         `json:"request_timeout_seconds" toml:"request_timeout_seconds"`
}

// Concurrency holds adaptive limiter bounds.
type Concurrency struct {
	Min            int     `json:"min" toml:"min"`
	Max            int     `json:"max" toml:"max"`
	Initial        int     `json:"initial" toml:"initial"`
	SuccessWindow  int     `json:"success_window" toml:"success_window"` // 0 derives 6..8 from min
	CooldownMS     int     `json:"cooldown_ms" toml:"cooldown_ms"`
	DecreaseFactor float64 `json:"decrease_factor" toml:"decrease_factor"`
}

// Processing configures the server-side worker pool.
type Processing struct {
	Workers         int `json:"workers" toml:"workers"`
	QueueSize       int `json:"queue_size" toml:"queue_size"`
	RetryLimit      int `json:"retry_limit" toml:"retry_limit"`
	CreditsPerOwner int `json:"credits_per_owner" toml:"credits_per_owner"` // 0 = unlimited
	SweepSeconds    int `json:"sweep_seconds" toml:"sweep_seconds"`
}

// HDR configures the compositor toolchain.
type HDR struct {
	JPEGQuality      int      `json:"jpeg_quality" toml:"jpeg_quality"`
	FetchConcurrency int      `json:"fetch_concurrency" toml:"fetch_concurrency"`
	Exiftool         string   `json:"exiftool" toml:"exiftool"`
	Dcraw            string   `json:"dcraw" toml:"dcraw"`
	AlignImageStack  string   `json:"align_image_stack" toml:"align_image_stack"`
	Enfuse           string   `json:"enfuse" toml:"enfuse"`
	AlignArgs        []string `json:"align_args" toml:"align_args"`
	EnfuseArgs       []string `json:"enfuse_args" toml:"enfuse_args"`
}

// Enhance configures the enhancement dispatcher.
type Enhance struct {
	WorkflowsFile      string `json:"workflows_file" toml:"workflows_file"`
	DefaultWorkflow    string `json:"default_workflow" toml:"default_workflow"`
	PollAttempts       int    `json:"poll_attempts" toml:"poll_attempts"`
	PollIntervalMS     int    `json:"poll_interval_ms" toml:"poll_interval_ms"`
	SubmitAttempts     int    `json:"submit_attempts" toml:"submit_attempts"`
	CallbackTTLMinutes int    `json:"callback_ttl_minutes" toml:"callback_ttl_minutes"`
}

// Auth configures bearer token verification.
type Auth struct {
	Secret        string `json:"secret" toml:"secret"`
	TokenTTLHours int    `json:"token_ttl_hours" toml:"token_ttl_hours"`
}

// Redis configures the optional cross-instance event relay.
type Redis struct {
	Addr     string `json:"addr" toml:"addr"` // empty disables the relay
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
	Channel  string `json:"channel" toml:"channel"`
}

// Client configures CLI commands that talk to a running server.
type Client struct {
	ServerURL string `json:"server_url" toml:"server_url"`
	Token     string `json:"token" toml:"token"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is applied to the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := os.Getenv("STACKLINE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads a specific file. The decoder is chosen by extension.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		switch strings.ToLower(filepath.Ext(expanded)) {
		case ".toml":
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", expanded, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", expanded, err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			PublicURL:       "http://localhost:8080",
			ShutdownSeconds: 5,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
			LogDir: "./logs",
		},
		Paths: Paths{
			DatabasePath: "~/.local/share/stackline/stackline.db",
			BlobRoot:     "~/.local/share/stackline/blobs",
			TempDir:      os.TempDir(),
			ResumeFile:   "~/.local/state/stackline/resume.json",
		},
		Grouping: Grouping{
			ThresholdSeconds: 3.5,
			ToolFolder:       "hdr",
		},
		Transfer: Transfer{
			MultipartThresholdMB: 20,
			PartSizeMB:           8,
			Concurrency: Concurrency{
				Min: 1, Max: 6, Initial: 3, CooldownMS: 2000, DecreaseFactor: 0.7,
			},
			PartConcurrency: Concurrency{
				Min: 1, Max: 4, Initial: 2, CooldownMS: 2000, DecreaseFactor: 0.7,
			},
			RetryAttempts:      3,
			RetryBaseDelayMS:   500,
			RetryMaxDelayMS:    8000,
			PresignTTLMinutes:  60,
			RequestTimeoutSecs: 300,
		},
		Processing: Processing{
			Workers:      defaultWorkers,
			QueueSize:    128,
			RetryLimit:   3,
			SweepSeconds: 5,
		},
		HDR: HDR{
			JPEGQuality:      92,
			FetchConcurrency: 4,
			Exiftool:         "exiftool",
			Dcraw:            "dcraw",
			AlignImageStack:  "align_image_stack",
			Enfuse:           "enfuse",
			AlignArgs:        []string{"-m", "-C"},
			EnfuseArgs:       []string{"--exposure-weight=1", "--saturation-weight=0.2", "--contrast-weight=0"},
		},
		Enhance: Enhance{
			DefaultWorkflow:    "passthrough",
			PollAttempts:       120,
			PollIntervalMS:     3000,
			SubmitAttempts:     2,
			CallbackTTLMinutes: 30,
		},
		Auth: Auth{
			TokenTTLHours: 24,
		},
		Redis: Redis{
			Channel: "stackline:events",
		},
		Client: Client{
			ServerURL: "http://localhost:8080",
		},
	}
}

func (c *Config) normalize() error {
	var err error
	for _, p := range []*string{&c.Paths.DatabasePath, &c.Paths.BlobRoot, &c.Paths.TempDir, &c.Paths.ResumeFile, &c.Logging.LogDir, &c.Enhance.WorkflowsFile} {
		if *p == "" {
			continue
		}
		if *p, err = expandUser(*p); err != nil {
			return err
		}
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	c.Client.ServerURL = strings.TrimRight(c.Client.ServerURL, "/")
	if c.Processing.Workers < 1 {
		c.Processing.Workers = 1
	}
	return nil
}

// Validate checks cross-field constraints. requireSecret is set when serving.
func (c *Config) Validate(requireSecret bool) error {
	var problems []string
	for name, cc := range map[string]Concurrency{"transfer.concurrency": c.Transfer.Concurrency, "transfer.part_concurrency": c.Transfer.PartConcurrency} {
		if cc.Min < 1 || cc.Max < cc.Min {
			problems = append(problems, fmt.Sprintf("%s: require 1 <= min <= max", name))
		}
		if cc.DecreaseFactor <= 0 || cc.DecreaseFactor >= 1 {
			problems = append(problems, fmt.Sprintf("%s: decrease_factor must be in (0,1)", name))
		}
	}
	if c.Transfer.PartSizeMB < 5 {
		problems = append(problems, "transfer.part_size_mb must be at least 5")
	}
	if c.Transfer.MultipartThresholdMB < 1 {
		problems = append(problems, "transfer.multipart_threshold_mb must be positive")
	}
	if c.Grouping.ThresholdSeconds <= 0 {
		problems = append(problems, "grouping.threshold_seconds must be positive")
	}
	if c.Enhance.PollAttempts < 1 || c.Enhance.PollIntervalMS < 1 {
		problems = append(problems, "enhance: poll_attempts and poll_interval_ms must be positive")
	}
	if requireSecret && len(c.Auth.Secret) < 16 {
		problems = append(problems, "auth.secret must be at least 16 characters")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MultipartThreshold returns the single-PUT cutoff in bytes.
func (t Transfer) MultipartThreshold() int64 { return int64(t.MultipartThresholdMB) << 20 }

// PartSize returns the multipart part size in bytes.
func (t Transfer) PartSize() int64 { return int64(t.PartSizeMB) << 20 }

// PresignTTL returns the lifetime of presigned URLs.
func (t Transfer) PresignTTL() time.Duration {
	return time.Duration(t.PresignTTLMinutes) * time.Minute
}

// Cooldown returns the limiter cooldown window.
func (c Concurrency) Cooldown() time.Duration { return time.Duration(c.CooldownMS) * time.Millisecond }

// PollInterval returns the delay between status polls.
func (e Enhance) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

// Threshold returns the grouping threshold as a duration.
func (g Grouping) Threshold() time.Duration {
	return time.Duration(g.ThresholdSeconds * float64(time.Second))
}

// Save writes the configuration as indented JSON, creating parent directories.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

// DefaultPath returns the resolved config path honouring STACKLINE_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("STACKLINE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
