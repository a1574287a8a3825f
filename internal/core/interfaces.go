package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// Fetcher reads JSON documents from the remote scan API.
type Fetcher interface {
	FetchJSON(ctx context.Context, path string, out interface{}) error
}

// Sink receives normalized documents as they are written.
type Sink interface {
	Name() string
	Push(ctx context.Context, docs []types.VulnerabilityDocument) error
	Close() error
}

type RateLimiter interface {
	Wait(ctx context.Context, target string) error
}

// SchedulerStatus is a point-in-time view of the job scheduler.
type SchedulerStatus struct {
	Workers   int    `json:"workers"`
	Ready     int    `json:"ready"`
	Delayed   int    `json:"delayed"`
	Underway  int    `json:"underway"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

type Telemetry interface {
	RecordJob(job string, outcome string, duration time.Duration)
	RecordWriteTask(wave string, success bool, duration time.Duration)
	RecordWave(wave string, outcome string)
	RecordCacheLookup(cache string, hit bool)
	Close() error
}
