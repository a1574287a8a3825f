package jobs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database/dbtest"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/output"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/repository"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// fakeAPI serves canned documents by path and counts requests.
type fakeAPI struct {
	mu        sync.Mutex
	docs      map[string]string
	failFirst map[string]int
	calls     map[string]int
}

func (f *fakeAPI) FetchJSON(_ context.Context, path string, out interface{}) error {
	f.mu.Lock()
	f.calls[path]++
	if f.failFirst[path] > 0 {
		f.failFirst[path]--
		f.mu.Unlock()
		return fmt.Errorf("GET %s: status 502", path)
	}
	body, ok := f.docs[path]
	f.mu.Unlock()

	if !ok {
		return errors.New("GET " + path + ": status 404")
	}
	return json.Unmarshal([]byte(body), out)
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

const modified = 1709294400 // 2024-03-01 12:00:00 UTC

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls: map[string]int{},
		failFirst: map[string]int{
			"/scans/9":  1,
			"/scans/10": 100,
		},
		docs: map[string]string{
			"/scans": fmt.Sprintf(`{"scans": [
				{"id": 7, "uuid": "u-7", "name": "weekly", "status": "completed", "last_modification_date": %d},
				{"id": 8, "uuid": "u-8", "name": "adhoc", "status": "running", "last_modification_date": %d},
				{"id": 9, "uuid": "u-9", "name": "dmz", "status": "completed", "last_modification_date": %d},
				{"id": 10, "uuid": "u-10", "name": "broken", "status": "completed", "last_modification_date": %d}
			]}`, modified, modified, modified, modified),
			"/scans/7": fmt.Sprintf(`{
				"info": {"scan_start": %d, "scan_end": %d, "hostcount": 2},
				"hosts": [
					{"host_id": 1, "hostname": "web01", "medium": 1, "info": 1},
					{"host_id": 2, "hostname": "db01"}
				]}`, modified-3600, modified),
			"/scans/9": `{"info": {"hostcount": 1}, "hosts": [{"host_id": 1, "hostname": "gw01", "info": 1}]}`,
			"/scans/7/hosts/1": `{"info": {"host-ip": "10.0.0.5"}, "vulnerabilities": [
				{"plugin_id": 19506, "plugin_name": "Nessus Scan Information", "plugin_family": "Settings", "severity": 0, "count": 1},
				{"plugin_id": 51192, "plugin_name": "SSL Certificate Cannot Be Trusted", "plugin_family": "General", "severity": 2, "count": 1}
			]}`,
			"/scans/7/hosts/2": `{"info": {}, "vulnerabilities": []}`,
			"/scans/9/hosts/1": `{"info": {}, "vulnerabilities": [
				{"plugin_id": 19506, "plugin_name": "Nessus Scan Information", "plugin_family": "Settings", "severity": 0, "count": 1}
			]}`,
		},
	}
}

type harness struct {
	env *Env
	reg *repository.Registry
	dir string
	api *fakeAPI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	reg, err := repository.New(dbtest.SQLite(t), config.CacheConfig{LookupSize: 16}, telemetry.Noop(), log)
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := output.NewWriter(config.OutputConfig{Dir: dir}, log)
	require.NoError(t, err)

	env := NewEnv(reg, out, config.ClientConfig{
		FetchRetries:    2,
		FetchRetryDelay: time.Millisecond,
	}, log)
	return &harness{env: env, reg: reg, dir: dir, api: newFakeAPI()}
}

func (h *harness) run(t *testing.T) (*pipeline.Coordinator, *pipeline.Scheduler) {
	t.Helper()
	sched := pipeline.NewScheduler(config.WorkerConfig{
		Count:             4,
		NotReadyDelay:     time.Millisecond,
		DefaultRetryDelay: time.Millisecond,
	}, h.api, nil, logger.NewNop())

	wave, err := NewPipeline(h.env, config.WriterConfig{
		MaxBacklog:     8,
		MaxExceptions:  32,
		ChildTimeout:   10 * time.Second,
		WaitInterval:   time.Second,
		MaxTaskRetries: 1,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Submit(wave))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))
	return wave, sched
}

func (h *harness) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, h.reg.Store().DB().Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	wave, sched := h.run(t)

	// wave chain
	assert.Equal(t, WaveIndex, wave.Name())
	require.NotNil(t, wave.Next())
	assert.Equal(t, WaveScans, wave.Next().Name())
	require.NotNil(t, wave.Next().Next())
	assert.Equal(t, WaveHosts, wave.Next().Next().Name())
	assert.False(t, wave.Next().Next().IsFailed())

	// running scans are skipped, failing fetches are retried twice
	assert.Equal(t, 0, h.api.count("/scans/8"))
	assert.Equal(t, 2, h.api.count("/scans/9"))
	assert.Equal(t, 3, h.api.count("/scans/10"))
	assert.Equal(t, uint64(1), sched.Status().Failed)

	assert.Equal(t, 4, h.count(t, "scan"))
	assert.Equal(t, 2, h.count(t, "scan_status"))
	assert.Equal(t, 2, h.count(t, "scan_response"))
	assert.Equal(t, 3, h.count(t, "scan_host"))
	// plugin 19506 is shared by two hosts
	assert.Equal(t, 2, h.count(t, "plugin"))
	assert.Equal(t, 3, h.count(t, "host_vulnerability"))
	assert.Equal(t, 3, h.count(t, "host_output"))

	var running int
	require.NoError(t, h.reg.Store().DB().Get(&running,
		"SELECT COUNT(*) FROM scan s JOIN scan_status st ON st.id = s.status_id WHERE st.value = 'running'"))
	assert.Equal(t, 1, running)

	// the empty host produces no file and an empty filename
	var filenames []string
	require.NoError(t, h.reg.Store().DB().Select(&filenames, "SELECT filename FROM host_output ORDER BY id"))
	assert.Contains(t, filenames, "")

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	name := filepath.Join(h.dir, "2024-03-01_12.00.00_7_1.json")
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()

	var docs []types.VulnerabilityDocument
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d types.VulnerabilityDocument
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		docs = append(docs, d)
	}
	require.Len(t, docs, 2)
	assert.Equal(t, "web01", docs[0].Hostname)
	assert.Equal(t, "weekly", docs[0].ScanName)
	assert.Equal(t, types.SeverityInfo, docs[0].Severity)
	assert.Equal(t, types.SeverityMedium, docs[1].Severity)
	assert.Equal(t, int64(modified), docs[1].ScanTimestamp.Unix())
}

func TestPipeline_SecondRunOnlyRefreshesStaleHosts(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	// lose the output record of one host
	hosts, err := h.reg.HostsForScan(context.Background(), 7)
	require.NoError(t, err)
	var web01 int32
	for _, host := range hosts {
		if host.HostID == 1 {
			web01 = host.GetID()
		}
	}
	require.NotZero(t, web01)
	_, err = h.reg.Store().DB().Exec("DELETE FROM host_output WHERE id = ?", web01)
	require.NoError(t, err)

	h.api.failFirst["/scans/10"] = 100
	wave, _ := h.run(t)

	// details are current, so no scan is fetched again
	assert.Equal(t, 1, h.api.count("/scans/7"))
	assert.Equal(t, 2, h.api.count("/scans/9"))
	// only the host without output is re-emitted
	assert.Equal(t, 2, h.api.count("/scans/7/hosts/1"))
	assert.Equal(t, 1, h.api.count("/scans/7/hosts/2"))
	assert.Equal(t, 1, h.api.count("/scans/9/hosts/1"))

	require.NotNil(t, wave.Next())
	require.NotNil(t, wave.Next().Next())
	assert.Equal(t, WaveHosts, wave.Next().Next().Name())

	assert.Equal(t, 3, h.count(t, "host_output"))
	assert.Equal(t, 2, h.count(t, "plugin"))
	assert.Equal(t, 3, h.count(t, "host_vulnerability"))
}

func TestPipeline_ModifiedScanIsFetchedAgain(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.api.mu.Lock()
	h.api.docs["/scans"] = fmt.Sprintf(`{"scans": [
		{"id": 9, "uuid": "u-9", "name": "dmz", "status": "completed", "last_modification_date": %d}
	]}`, modified+86400)
	h.api.mu.Unlock()

	h.run(t)

	assert.Equal(t, 3, h.api.count("/scans/9"))
	assert.Equal(t, 2, h.api.count("/scans/9/hosts/1"))

	_, detail, err := h.reg.LoadScan(context.Background(), 9)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, int64(modified+86400), detail.ScanTimestamp().Unix())
}
