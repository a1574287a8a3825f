package jobs

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/pipeline"
)

// IndexJob reads the scan index, stores every scan summary and queues a
// ScanJob per scan for the next wave.
type IndexJob struct {
	*pipeline.Child

	env    *Env
	logger *logger.Logger
	doc    indexDocument
	// retried is only touched on the writer lane
	retried bool
}

func NewIndexJob(env *Env) *IndexJob {
	j := &IndexJob{Child: pipeline.NewChild("index")}
	j.env = env
	j.logger = env.Logger.WithJob(j.Name(), j.ID())
	return j
}

func (j *IndexJob) Fetch(ctx context.Context, fetcher core.Fetcher) error {
	j.logger.Infow("Fetching scan index")
	var doc indexDocument
	if err := fetcher.FetchJSON(ctx, scansPath(), &doc); err != nil {
		return fmt.Errorf("failed to fetch scan index: %w", err)
	}
	j.doc = doc
	return nil
}

func (j *IndexJob) Output(ctx context.Context) error {
	j.Coordinator().NameNextWave(WaveScans)
	return j.AddDbTask("store scan index", j.store)
}

func (j *IndexJob) store(ctx context.Context) error {
	reg := j.env.Registry
	var queued []*ScanJob

	err := reg.Session(ctx, func(sess *database.Session) error {
		for _, s := range j.doc.Scans {
			if s.ID == 0 {
				continue
			}
			scan := s.record()
			if err := reg.SaveScan(ctx, sess, scan, s.Status); err != nil {
				return fmt.Errorf("failed to store scan %d: %w", s.ID, err)
			}
			queued = append(queued, NewScanJob(j.env, scan, s.Status))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, sj := range queued {
		if err := j.AddToNextDbJobs(sj); err != nil {
			return fmt.Errorf("failed to queue scan %d: %w", sj.scan.ID, err)
		}
	}
	j.logger.WithContext(ctx).Infow("Stored scan index", "scans", len(queued))
	return nil
}

func (j *IndexJob) ExceptionHandler(err error, stage pipeline.Stage) bool {
	j.logger.Errorw("Scan index failed", "stage", stage.String(), "error", err.Error())
	return retryFetch(j.env, j, stage)
}

func (j *IndexJob) DbExceptionHandler(err error) bool {
	return dbRetry(j.logger, err, &j.retried)
}

