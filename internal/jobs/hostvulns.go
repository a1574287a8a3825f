package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/output"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// HostVulnsJob fetches one host's vulnerabilities, writes them as output
// documents and stores the plugins, hits and output record.
type HostVulnsJob struct {
	*pipeline.Child

	env    *Env
	logger *logger.Logger
	scan   scanRef
	host   *types.ScanHost

	doc     hostDocument
	docs    []types.VulnerabilityDocument
	result  output.Result
	retried bool
}

func NewHostVulnsJob(env *Env, scan scanRef, host *types.ScanHost) *HostVulnsJob {
	j := &HostVulnsJob{
		Child: pipeline.NewChild(fmt.Sprintf("host %d/%d", scan.ID, host.HostID)),
		env:   env,
		scan:  scan,
		host:  host,
	}
	j.logger = env.Logger.WithJob(j.Name(), j.ID()).WithFields(
		"scan_id", scan.ID,
		"host_id", host.HostID,
	)
	return j
}

func (j *HostVulnsJob) Fetch(ctx context.Context, fetcher core.Fetcher) error {
	var doc hostDocument
	if err := fetcher.FetchJSON(ctx, hostPath(j.scan.ID, j.host.HostID), &doc); err != nil {
		return fmt.Errorf("failed to fetch host %d of scan %d: %w", j.host.HostID, j.scan.ID, err)
	}
	j.doc = doc
	return nil
}

func (j *HostVulnsJob) Process(context.Context) error {
	if j.host.GetID() == 0 {
		return fmt.Errorf("host %d of scan %d has not been stored", j.host.HostID, j.scan.ID)
	}

	hostname := j.host.Hostname
	if hostname == "" {
		hostname = j.doc.Info.HostFQDN
	}
	if hostname == "" {
		hostname = j.doc.Info.HostIP
	}

	var scanTime time.Time
	if j.scan.Timestamp != nil {
		scanTime = *j.scan.Timestamp
	}

	j.docs = make([]types.VulnerabilityDocument, 0, len(j.doc.Vulnerabilities))
	for _, v := range j.doc.Vulnerabilities {
		j.docs = append(j.docs, types.VulnerabilityDocument{
			ScanID:        j.scan.ID,
			ScanUUID:      j.scan.UUID,
			ScanName:      j.scan.Name,
			ScanTimestamp: scanTime,
			HostID:        j.host.HostID,
			Hostname:      hostname,
			PluginID:      v.PluginID,
			PluginName:    v.PluginName,
			PluginFamily:  v.PluginFamily,
			Severity:      types.SeverityFromLevel(v.Severity),
			RiskFactor:    v.RiskFactor,
			Synopsis:      v.Synopsis,
			Count:         v.Count,
		})
	}
	return nil
}

func (j *HostVulnsJob) Output(ctx context.Context) error {
	now := time.Now().UTC()
	for i := range j.docs {
		j.docs[i].OutputTime = now
	}

	res, err := j.env.Output.Write(ctx, output.HostBatch{
		ScanID:        j.scan.ID,
		HostID:        j.host.HostID,
		ScanTimestamp: j.scan.Timestamp,
		Documents:     j.docs,
	})
	if err != nil {
		return err
	}
	j.result = res
	return j.AddDbTask(fmt.Sprintf("store host %d/%d", j.scan.ID, j.host.HostID), j.store)
}

func (j *HostVulnsJob) store(ctx context.Context) error {
	reg := j.env.Registry
	hostID := j.host.GetID()

	return reg.Session(ctx, func(sess *database.Session) error {
		for _, v := range j.doc.Vulnerabilities {
			plugin, err := reg.Plugins.GetOrCreate(ctx, sess, v.plugin())
			if err != nil {
				return fmt.Errorf("failed to store plugin %d: %w", v.PluginID, err)
			}
			hit := &types.HostVulnerability{
				ScanHostID: hostID,
				PluginID:   plugin.GetID(),
				Severity:   v.Severity,
				Count:      v.Count,
			}
			if _, err := reg.HostVulns.Upsert(ctx, sess, hit); err != nil {
				return err
			}
		}

		outputAt := j.result.OutputTimestamp
		out := &types.HostOutput{
			RecordID:        types.RecordID{ID: hostID},
			ScanTimestamp:   j.scan.Timestamp,
			OutputTimestamp: &outputAt,
			Filename:        j.result.Filename,
		}
		_, err := reg.HostOutputs.Upsert(ctx, sess, out)
		return err
	})
}

func (j *HostVulnsJob) ExceptionHandler(err error, stage pipeline.Stage) bool {
	j.logger.Errorw("Host vulnerability job failed", "stage", stage.String(), "error", err.Error(), "retries", j.Retries())
	return retryFetch(j.env, j, stage)
}

func (j *HostVulnsJob) DbExceptionHandler(err error) bool {
	return dbRetry(j.logger, err, &j.retried)
}
