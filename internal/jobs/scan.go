package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/repository"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// scanRef is the part of a scan that host jobs and their documents need.
type scanRef struct {
	ID        int32
	UUID      string
	Name      string
	Timestamp *time.Time
}

// ScanJob fetches one scan's detail, stores it with its hosts and queues a
// HostVulnsJob per host. Scans still running upstream are skipped, and so
// are scans whose stored detail is current; in that case only hosts whose
// output is missing or stale are queued again.
type ScanJob struct {
	*pipeline.Child

	env    *Env
	logger *logger.Logger
	scan   *types.Scan
	status string

	doc     scanDocument
	detail  *types.ScanResponse
	retried bool
}

func NewScanJob(env *Env, scan *types.Scan, status string) *ScanJob {
	j := &ScanJob{
		Child:  pipeline.NewChild(fmt.Sprintf("scan %d", scan.ID)),
		env:    env,
		scan:   scan,
		status: status,
	}
	j.logger = env.Logger.WithJob(j.Name(), j.ID()).WithFields("scan_id", scan.ID)
	return j
}

func (j *ScanJob) IsReady(ctx context.Context) bool {
	if j.status == types.StatusRunning {
		j.logger.Infow("Skipping scan still running upstream")
		j.Failed(nil)
		return false
	}

	reg := j.env.Registry
	_, detail, err := reg.LoadScan(ctx, j.scan.ID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			j.logger.LogError(ctx, err, "jobs.ScanJob.IsReady")
		}
		return true
	}

	stored, latest := detail.ScanTimestamp(), j.scan.LastModificationDate
	if stored == nil || latest == nil {
		return true
	}
	diff := latest.Sub(*stored)
	if diff > timestampTolerance {
		return true
	}
	if diff < -timestampTolerance {
		j.logger.Errorw("Stored scan detail is newer than the scan index",
			"stored", stored.Format(time.RFC3339),
			"index", latest.Format(time.RFC3339),
		)
	}

	// The detail is current. Re-emit only hosts whose last output does not
	// match this scan.
	stale, err := j.staleHosts(ctx, reg, latest)
	if err != nil {
		j.logger.LogError(ctx, err, "jobs.ScanJob.IsReady")
		return true
	}
	if len(stale) > 0 {
		j.Coordinator().NameNextWave(WaveHosts)
	}
	ref := scanRef{ID: j.scan.ID, UUID: j.scan.UUID, Name: j.scan.Name, Timestamp: latest}
	for _, h := range stale {
		if err := j.AddToNextDbJobs(NewHostVulnsJob(j.env, ref, h)); err != nil {
			j.Failed(fmt.Errorf("failed to queue host %d: %w", h.HostID, err))
			return false
		}
	}

	j.logger.Infow("Scan detail is current", "stale_hosts", len(stale))
	j.Failed(nil)
	return false
}

func (j *ScanJob) staleHosts(ctx context.Context, reg *repository.Registry, ts *time.Time) ([]*types.ScanHost, error) {
	hosts, err := reg.HostsForScan(ctx, j.scan.ID)
	if err != nil {
		return nil, err
	}
	var stale []*types.ScanHost
	for _, h := range hosts {
		current, err := reg.OutputCurrent(ctx, h.GetID(), ts, timestampTolerance)
		if err != nil {
			return nil, err
		}
		if !current {
			stale = append(stale, h)
		}
	}
	return stale, nil
}

func (j *ScanJob) Fetch(ctx context.Context, fetcher core.Fetcher) error {
	j.logger.Infow("Fetching scan detail")
	var doc scanDocument
	if err := fetcher.FetchJSON(ctx, scanPath(j.scan.ID), &doc); err != nil {
		return fmt.Errorf("failed to fetch scan %d: %w", j.scan.ID, err)
	}
	j.doc = doc
	return nil
}

// Process builds the stored detail. Its timestamp is the index's
// modification date when known, which is what IsReady compares against on
// the next run.
func (j *ScanJob) Process(context.Context) error {
	info := j.doc.Info
	ts := j.scan.LastModificationDate
	if ts == nil {
		ts = info.Timestamp.Time()
	}
	hostCount := info.HostCount
	if hostCount == 0 {
		hostCount = len(j.doc.Hosts)
	}
	j.detail = &types.ScanResponse{
		RecordID:  types.RecordID{ID: j.scan.ID},
		ScanStart: info.ScanStart.Time(),
		ScanEnd:   info.ScanEnd.Time(),
		Timestamp: ts,
		HostCount: hostCount,
	}
	return nil
}

func (j *ScanJob) Output(context.Context) error {
	j.Coordinator().NameNextWave(WaveHosts)
	return j.AddDbTask(fmt.Sprintf("store scan %d", j.scan.ID), j.store)
}

func (j *ScanJob) store(ctx context.Context) error {
	reg := j.env.Registry
	var hosts []*types.ScanHost

	err := reg.Session(ctx, func(sess *database.Session) error {
		if _, err := reg.ScanResponses.Upsert(ctx, sess, j.detail); err != nil {
			return err
		}
		for _, hs := range j.doc.Hosts {
			if hs.HostID == 0 {
				continue
			}
			h, err := reg.SaveHost(ctx, sess, hs.record(j.scan.ID))
			if err != nil {
				return fmt.Errorf("failed to store host %d: %w", hs.HostID, err)
			}
			hosts = append(hosts, h)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ref := scanRef{
		ID:        j.scan.ID,
		UUID:      j.scan.UUID,
		Name:      j.scan.Name,
		Timestamp: j.detail.ScanTimestamp(),
	}
	for _, h := range hosts {
		if err := j.AddToNextDbJobs(NewHostVulnsJob(j.env, ref, h)); err != nil {
			return fmt.Errorf("failed to queue host %d: %w", h.HostID, err)
		}
	}
	j.logger.WithContext(ctx).Infow("Stored scan detail", "hosts", len(hosts))
	return nil
}

func (j *ScanJob) ExceptionHandler(err error, stage pipeline.Stage) bool {
	j.logger.Errorw("Scan job failed", "stage", stage.String(), "error", err.Error(), "retries", j.Retries())
	return retryFetch(j.env, j, stage)
}

func (j *ScanJob) DbExceptionHandler(err error) bool {
	return dbRetry(j.logger, err, &j.retried)
}
