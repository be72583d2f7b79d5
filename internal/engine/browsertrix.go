package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/storage"
)

// BrowsertrixConfig parameterizes the external container-based engine.
type BrowsertrixConfig struct {
	// Image is the crawler container image.
	Image string `mapstructure:"image" yaml:"image"`
	// Collection names the crawl collection inside the output tree.
	Collection string `mapstructure:"collection" yaml:"collection"`
	// WorkDir hosts per-crawl scratch directories; empty uses the
	// system temp dir.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
	// BehaviorTimeout bounds in-page behaviors (autoscroll etc.).
	BehaviorTimeout time.Duration `mapstructure:"behavior_timeout" yaml:"behavior_timeout"`
}

// commandRunner runs one external command to completion. Factored out
// so tests can substitute a fake process.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// execRunner launches real processes in their own process group. On
// context expiry the whole group is killed; WaitDelay is the second,
// harder kill path for a process that ignores the first signal.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Browsertrix invokes the external rendering crawler in a container,
// supervises it under the job's wall-clock ceiling, and relocates the
// produced containers into durable storage.
type Browsertrix struct {
	store  *storage.Manager
	clock  archive.Clock
	cfg    BrowsertrixConfig
	runner commandRunner
	log    *zap.Logger
}

// NewBrowsertrix builds the external engine.
func NewBrowsertrix(store *storage.Manager, clock archive.Clock, cfg BrowsertrixConfig, log *zap.Logger) (*Browsertrix, error) {
	if store == nil {
		return nil, fmt.Errorf("storage manager is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Image == "" {
		cfg.Image = "webrecorder/browsertrix-crawler"
	}
	if cfg.Collection == "" {
		cfg.Collection = "archive"
	}
	if cfg.BehaviorTimeout <= 0 {
		cfg.BehaviorTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Browsertrix{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		runner: execRunner{},
		log:    log,
	}, nil
}

// jobSpec is the engine-specific crawl configuration file.
type jobSpec struct {
	Seeds           []jobSeed `json:"seeds"`
	CombineWARC     bool      `json:"combineWARC"`
	GenerateWACZ    bool      `json:"generateWACZ"`
	Collection      string    `json:"collection"`
	SaveState       string    `json:"saveState"`
	Behaviors       string    `json:"behaviors"`
	BehaviorTimeout int64     `json:"behaviorTimeout"`
	PageLoadTimeout int64     `json:"pageLoadTimeout"`
	Delay           int64     `json:"delay"`
	Limit           int       `json:"limit"`
	MaxPageLimit    int       `json:"maxPageLimit"`
	Depth           int       `json:"depth"`
	UserAgent       string    `json:"userAgent,omitempty"`
}

type jobSeed struct {
	URL       string `json:"url"`
	ScopeType string `json:"scopeType"`
}

func (b *Browsertrix) buildSpec(cfg Config) jobSpec {
	behaviors := ""
	if cfg.RenderJavaScript {
		behaviors = "autoscroll,autoplay,autofetch,siteSpecific"
	}
	return jobSpec{
		Seeds:           []jobSeed{{URL: cfg.SeedURL, ScopeType: scopeType(cfg.Scope)}},
		CombineWARC:     true,
		GenerateWACZ:    false,
		Collection:      b.cfg.Collection,
		SaveState:       "never",
		Behaviors:       behaviors,
		BehaviorTimeout: b.cfg.BehaviorTimeout.Milliseconds(),
		PageLoadTimeout: b.cfg.BehaviorTimeout.Milliseconds(),
		Delay:           cfg.Delay.Milliseconds(),
		Limit:           cfg.MaxPages,
		MaxPageLimit:    cfg.MaxPages,
		Depth:           cfg.MaxDepth,
		UserAgent:       cfg.UserAgent,
	}
}

func scopeType(s Scope) string {
	switch s {
	case ScopeHost:
		return "host"
	case ScopePath:
		return "prefix"
	default:
		return "domain"
	}
}

func (b *Browsertrix) buildArgs(workDir, configPath string) []string {
	return []string{
		"run", "--rm",
		"-v", fmt.Sprintf("%s:/crawls", workDir),
		"-v", fmt.Sprintf("%s:/app/crawl-config.json:ro", configPath),
		b.cfg.Image,
		"crawl", "--config", "/app/crawl-config.json",
	}
}

// Execute runs one external crawl. Scratch state is removed on every
// exit path; a timeout kills the spawned process tree and reports the
// job failed with reason timeout rather than leaving it in progress.
func (b *Browsertrix) Execute(ctx context.Context, cfg Config) (Result, error) {
	workDir, err := os.MkdirTemp(b.cfg.WorkDir, "crawl-*")
	if err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			b.log.Warn("failed to clean crawl scratch dir",
				zap.String("dir", workDir), zap.Error(rmErr))
		}
	}()

	specBytes, err := json.MarshalIndent(b.buildSpec(cfg), "", "  ")
	if err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}
	configPath := filepath.Join(workDir, "crawl-config.json")
	if err := os.WriteFile(configPath, specBytes, 0o600); err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.log.Info("launching external crawl engine",
		zap.String("seed", cfg.SeedURL),
		zap.String("image", b.cfg.Image),
		zap.Duration("timeout", timeout))

	stdout, stderr, runErr := b.runner.Run(runCtx, "docker", b.buildArgs(workDir, configPath)...)
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			b.log.Error("external crawl timed out, process tree killed",
				zap.String("seed", cfg.SeedURL), zap.Duration("timeout", timeout))
			return Result{}, &CrawlError{Reason: archive.FailureTimeout, Err: runCtx.Err()}
		}
		return Result{}, &CrawlError{
			Reason: archive.FailureEngineError,
			Err:    fmt.Errorf("%w: %s", runErr, strings.TrimSpace(stderr)),
		}
	}

	produced, err := findContainers(workDir)
	if err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}
	if len(produced) == 0 {
		// Distinct from a crawl that legitimately captured zero pages:
		// the engine exited cleanly but wrote nothing at all.
		return Result{}, &CrawlError{
			Reason: archive.FailureNoOutput,
			Err:    fmt.Errorf("engine exited successfully but produced no container"),
		}
	}

	var res Result
	now := b.clock.Now()
	for i, localPath := range produced {
		name := b.store.GenerateContainerName(cfg.TargetCode, now, i+1)
		meta, err := b.store.Store(ctx, localPath, b.store.ResolveStoragePath(name, now))
		if err != nil {
			return res, &CrawlError{Reason: archive.FailureEngineError, Err: err}
		}
		res.Containers = append(res.Containers, meta)
		res.BytesDownloaded += meta.Size
	}
	res.PagesCrawled = strings.Count(stdout, "Fetched:")

	b.log.Info("external crawl complete",
		zap.String("seed", cfg.SeedURL),
		zap.Int("containers", len(res.Containers)),
		zap.Int64("bytes", res.BytesDownloaded))
	return res, nil
}

// findContainers locates the engine's output under
// collections/<name>/*.warc.gz.
func findContainers(workDir string) ([]string, error) {
	root := filepath.Join(workDir, "collections")
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".warc.gz") {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan engine output: %w", err)
	}
	return found, nil
}
