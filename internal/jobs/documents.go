package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// Wire documents of the scan API. Only the fields the pipeline stores or
// emits are decoded.

// epoch is a unix timestamp in seconds. The API sends numbers, numeric
// strings or null; zero means unknown.
type epoch int64

func (e *epoch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*e = 0
			return nil
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %q: %w", data, err)
	}
	*e = epoch(f)
	return nil
}

// Time returns nil for an unknown timestamp.
func (e epoch) Time() *time.Time {
	if e <= 0 {
		return nil
	}
	t := time.Unix(int64(e), 0).UTC()
	return &t
}

// indexDocument is GET /scans.
type indexDocument struct {
	Scans     []scanSummary `json:"scans"`
	Timestamp epoch         `json:"timestamp"`
}

type scanSummary struct {
	ID                   int32  `json:"id"`
	UUID                 string `json:"uuid"`
	Name                 string `json:"name"`
	Status               string `json:"status"`
	LastModificationDate epoch  `json:"last_modification_date"`
}

func (s scanSummary) record() *types.Scan {
	return &types.Scan{
		RecordID:             types.RecordID{ID: s.ID},
		UUID:                 s.UUID,
		Name:                 s.Name,
		LastModificationDate: s.LastModificationDate.Time(),
	}
}

// scanDocument is GET /scans/{id}.
type scanDocument struct {
	Info  scanInfo      `json:"info"`
	Hosts []hostSummary `json:"hosts"`
}

type scanInfo struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ScanStart epoch  `json:"scan_start"`
	ScanEnd   epoch  `json:"scan_end"`
	Timestamp epoch  `json:"timestamp"`
	HostCount int    `json:"hostcount"`
}

type hostSummary struct {
	HostID   int32  `json:"host_id"`
	Hostname string `json:"hostname"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
	Info     int    `json:"info"`
}

func (h hostSummary) record(scanID int32) *types.ScanHost {
	return &types.ScanHost{
		ScanID:   scanID,
		HostID:   h.HostID,
		Hostname: h.Hostname,
		Critical: h.Critical,
		High:     h.High,
		Medium:   h.Medium,
		Low:      h.Low,
		Info:     h.Info,
	}
}

// hostDocument is GET /scans/{scan_id}/hosts/{host_id}.
type hostDocument struct {
	Info            hostInfo        `json:"info"`
	Vulnerabilities []vulnerability `json:"vulnerabilities"`
}

type hostInfo struct {
	HostFQDN string `json:"host-fqdn"`
	HostIP   string `json:"host-ip"`
}

type vulnerability struct {
	PluginID     int32  `json:"plugin_id"`
	PluginName   string `json:"plugin_name"`
	PluginFamily string `json:"plugin_family"`
	Severity     int    `json:"severity"`
	Count        int    `json:"count"`
	RiskFactor   string `json:"risk_factor"`
	Synopsis     string `json:"synopsis"`
}

func (v vulnerability) plugin() *types.Plugin {
	p := types.NewPlugin(v.PluginID, v.PluginName, v.PluginFamily, v.Severity)
	p.RiskFactor = v.RiskFactor
	p.Synopsis = v.Synopsis
	return p
}

func scansPath() string { return "/scans" }

func scanPath(scanID int32) string { return fmt.Sprintf("/scans/%d", scanID) }

func hostPath(scanID, hostID int32) string {
	return fmt.Sprintf("/scans/%d/hosts/%d", scanID, hostID)
}
