package types

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// SeverityFromLevel maps the numeric severity of the scan API (0 info .. 4
// critical) onto Severity.
func SeverityFromLevel(level int) Severity {
	switch {
	case level >= 4:
		return SeverityCritical
	case level == 3:
		return SeverityHigh
	case level == 2:
		return SeverityMedium
	case level == 1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// StatusRunning is the scan status whose data is still being produced
// upstream.
const StatusRunning = "running"

// Identified is implemented by every persisted record.
type Identified interface {
	GetID() int32
	SetID(id int32) error
}

// RecordID is the 32-bit key of a record. Zero means unassigned; once
// assigned it never changes.
type RecordID struct {
	ID int32 `db:"id" json:"id"`
}

func (r *RecordID) GetID() int32 {
	return r.ID
}

func (r *RecordID) SetID(id int32) error {
	if r.ID != 0 && r.ID != id {
		return fmt.Errorf("record id %d cannot be replaced with %d: %w", r.ID, id, ErrImmutable)
	}
	r.ID = id
	return nil
}

// ScanStatus is a string-addressed lookup row ("completed", "running", ...).
type ScanStatus struct {
	RecordID
	Value string `db:"value" json:"value"`
}

// SetValue binds the status string. Rebinding to a different string is an
// error.
func (s *ScanStatus) SetValue(v string) error {
	if s.Value != "" && s.Value != v {
		return fmt.Errorf("status %q cannot be replaced with %q: %w", s.Value, v, ErrImmutable)
	}
	s.Value = v
	return nil
}

// Scan is keyed by the natural id assigned by the scan API.
type Scan struct {
	RecordID
	UUID                 string     `db:"uuid" json:"uuid"`
	Name                 string     `db:"name" json:"name"`
	StatusID             *int32     `db:"status_id" json:"-"`
	LastModificationDate *time.Time `db:"last_modification_date" json:"last_modification_date,omitempty"`

	Status *ScanStatus `db:"-" json:"status,omitempty"`
}

// ScanResponse is the stored scan detail. Its id is the scan id.
type ScanResponse struct {
	RecordID
	ScanStart *time.Time `db:"scan_start" json:"scan_start,omitempty"`
	ScanEnd   *time.Time `db:"scan_end" json:"scan_end,omitempty"`
	Timestamp *time.Time `db:"timestamp" json:"timestamp,omitempty"`
	HostCount int        `db:"host_count" json:"host_count"`
}

// ScanTimestamp is the moment the scan data refers to.
func (r *ScanResponse) ScanTimestamp() *time.Time {
	if r == nil {
		return nil
	}
	if r.Timestamp != nil {
		return r.Timestamp
	}
	return r.ScanEnd
}

// Plugin is hash-addressed: two plugins with the same identity fields are the
// same row.
type Plugin struct {
	RecordID
	Hash       *ContentHash `db:"hash" json:"-"`
	PluginID   int32        `db:"plugin_id" json:"plugin_id"`
	Name       string       `db:"name" json:"name"`
	Family     string       `db:"family" json:"family"`
	Severity   int          `db:"severity" json:"severity"`
	RiskFactor string       `db:"risk_factor" json:"risk_factor,omitempty"`
	Synopsis   string       `db:"synopsis" json:"synopsis,omitempty"`
}

type pluginIdentity struct {
	PluginID   int32  `json:"plugin_id"`
	Name       string `json:"name"`
	Family     string `json:"family"`
	Severity   int    `json:"severity"`
	RiskFactor string `json:"risk_factor"`
	Synopsis   string `json:"synopsis"`
}

func (p *Plugin) identity() pluginIdentity {
	return pluginIdentity{
		PluginID:   p.PluginID,
		Name:       p.Name,
		Family:     p.Family,
		Severity:   p.Severity,
		RiskFactor: p.RiskFactor,
		Synopsis:   p.Synopsis,
	}
}

// HashReady reports whether the content hash has been computed.
func (p *Plugin) HashReady() bool {
	return p.Hash.Ready()
}

// ContentHash returns the SHA-512 of the plugin's canonical JSON, computing
// it on first use. Identity fields must not change after this is called.
func (p *Plugin) ContentHash() (Hash, error) {
	if p.Hash == nil {
		return Hash{}, fmt.Errorf("plugin %d has no hash holder", p.PluginID)
	}
	return p.Hash.Compute(func() ([]byte, error) {
		return json.Marshal(p.identity())
	})
}

func (p *Plugin) SetHash(h Hash) error {
	if p.Hash == nil {
		p.Hash = &ContentHash{}
	}
	return p.Hash.Set(h)
}

// Match compares identity fields without touching the hash.
func (p *Plugin) Match(other *Plugin) bool {
	return other != nil && p.identity() == other.identity()
}

// Reconcile is a no-op: every plugin field is part of its identity.
func (p *Plugin) Reconcile(*Plugin) {}

func (p *Plugin) Prepare() error {
	_, err := p.ContentHash()
	return err
}

// NewPlugin returns a plugin whose hash has not been computed yet.
func NewPlugin(pluginID int32, name, family string, severity int) *Plugin {
	return &Plugin{
		Hash:     &ContentHash{},
		PluginID: pluginID,
		Name:     name,
		Family:   family,
		Severity: severity,
	}
}

// ScanHost is map-addressed by {scan_id, host_id}.
type ScanHost struct {
	RecordID
	ScanID   int32  `db:"scan_id" json:"scan_id"`
	HostID   int32  `db:"host_id" json:"host_id"`
	Hostname string `db:"hostname" json:"hostname"`
	Critical int    `db:"critical" json:"critical"`
	High     int    `db:"high" json:"high"`
	Medium   int    `db:"medium" json:"medium"`
	Low      int    `db:"low" json:"low"`
	Info     int    `db:"info" json:"info"`

	mu sync.Mutex
}

func (h *ScanHost) SearchMap() map[string]interface{} {
	return map[string]interface{}{
		"scan_id": h.ScanID,
		"host_id": h.HostID,
	}
}

func (h *ScanHost) Match(other *ScanHost) bool {
	return other != nil && other.ScanID == h.ScanID && other.HostID == h.HostID
}

// Reconcile carries the non-identity fields of from into h.
func (h *ScanHost) Reconcile(from *ScanHost) {
	if from == nil || from == h {
		return
	}
	from.mu.Lock()
	hostname, counts := from.Hostname, [5]int{from.Critical, from.High, from.Medium, from.Low, from.Info}
	from.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if hostname != "" {
		h.Hostname = hostname
	}
	h.Critical, h.High, h.Medium, h.Low, h.Info = counts[0], counts[1], counts[2], counts[3], counts[4]
}

func (h *ScanHost) Prepare() error {
	if h.ScanID == 0 || h.HostID == 0 {
		return fmt.Errorf("scan host is missing scan id or host id (scan=%d host=%d)", h.ScanID, h.HostID)
	}
	return nil
}

// HostVulnerability is one plugin hit on a scanned host.
type HostVulnerability struct {
	RecordID
	ScanHostID int32 `db:"scan_host_id" json:"scan_host_id"`
	PluginID   int32 `db:"plugin_id" json:"plugin_id"`
	Severity   int   `db:"severity" json:"severity"`
	Count      int   `db:"count" json:"count"`
}

// HostOutput records the last output written for a scan host. Its id is the
// scan host id. An empty filename means the host had nothing to write.
type HostOutput struct {
	RecordID
	ScanTimestamp   *time.Time `db:"scan_timestamp" json:"scan_timestamp,omitempty"`
	OutputTimestamp *time.Time `db:"output_timestamp" json:"output_timestamp,omitempty"`
	Filename        string     `db:"filename" json:"filename"`
}

// VulnerabilityDocument is the normalized output for one host vulnerability.
type VulnerabilityDocument struct {
	ScanID        int32     `json:"scan_id"`
	ScanUUID      string    `json:"scan_uuid,omitempty"`
	ScanName      string    `json:"scan_name"`
	ScanTimestamp time.Time `json:"scan_timestamp"`
	HostID        int32     `json:"host_id"`
	Hostname      string    `json:"hostname"`
	PluginID      int32     `json:"plugin_id"`
	PluginName    string    `json:"plugin_name"`
	PluginFamily  string    `json:"plugin_family"`
	Severity      Severity  `json:"severity"`
	RiskFactor    string    `json:"risk_factor,omitempty"`
	Synopsis      string    `json:"synopsis,omitempty"`
	Count         int       `json:"count"`
	OutputTime    time.Time `json:"output_timestamp"`
}
