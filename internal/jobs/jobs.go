// Package jobs implements the scan ingestion pipeline: the scan index, each
// scan's detail and each host's vulnerabilities, one writer wave apiece.
package jobs

import (
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/lookup"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/output"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/repository"
)

const (
	WaveIndex = "Fetch Scan Index"
	WaveScans = "Process Scans"
	WaveHosts = "Process Host Vulnerabilities"

	// stored timestamps are rounded to the second
	timestampTolerance = time.Second
)

// Env is what every job needs besides the fetcher.
type Env struct {
	Registry        *repository.Registry
	Output          *output.Writer
	FetchRetries    int
	FetchRetryDelay time.Duration
	Logger          *logger.Logger
}

// NewEnv collects the job dependencies from the client section.
func NewEnv(reg *repository.Registry, out *output.Writer, cfg config.ClientConfig, log *logger.Logger) *Env {
	return &Env{
		Registry:        reg,
		Output:          out,
		FetchRetries:    cfg.FetchRetries,
		FetchRetryDelay: cfg.FetchRetryDelay,
		Logger:          log.WithComponent("jobs"),
	}
}

// NewPipeline returns the first writer wave. Submitting it to a scheduler
// runs the whole pipeline; later waves chain from it.
func NewPipeline(env *Env, cfg config.WriterConfig, tel core.Telemetry) (*pipeline.Coordinator, error) {
	wave, err := pipeline.NewCoordinator(WaveIndex, cfg, tel, env.Logger, NewIndexJob(env))
	if err != nil {
		return nil, fmt.Errorf("failed to create index wave: %w", err)
	}
	return wave, nil
}

// retryFetch applies the shared fetch retry policy: up to FetchRetries
// retries, FetchRetryDelay apart. Other stages are not retried.
func retryFetch(env *Env, j interface {
	Retries() int
	TryAgainIn(time.Duration)
}, stage pipeline.Stage) bool {
	if stage != pipeline.StageFetch || j.Retries() >= env.FetchRetries {
		return false
	}
	j.TryAgainIn(env.FetchRetryDelay)
	return true
}

// dbRetry allows one re-queue unless the failure is an identity violation.
func dbRetry(log *logger.Logger, err error, retried *bool) bool {
	log.Errorw("Write task failed", "error", err.Error(), "already_retried", *retried)
	if *retried || lookup.IsConsistency(err) {
		return false
	}
	*retried = true
	return true
}
