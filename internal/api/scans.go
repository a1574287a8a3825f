package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

const scanListLimit = 100

type scanRow struct {
	ID                   int32      `db:"id" json:"id"`
	UUID                 string     `db:"uuid" json:"uuid"`
	Name                 string     `db:"name" json:"name"`
	Status               string     `db:"status" json:"status"`
	LastModificationDate *time.Time `db:"last_modification_date" json:"last_modification_date,omitempty"`
	DetailTimestamp      *time.Time `db:"detail_timestamp" json:"detail_timestamp,omitempty"`
	HostCount            int        `db:"host_count" json:"host_count"`
}

type hostRow struct {
	ID              int32      `db:"id" json:"id"`
	HostID          int32      `db:"host_id" json:"host_id"`
	Hostname        string     `db:"hostname" json:"hostname"`
	Critical        int        `db:"critical" json:"critical"`
	High            int        `db:"high" json:"high"`
	Medium          int        `db:"medium" json:"medium"`
	Low             int        `db:"low" json:"low"`
	Info            int        `db:"info" json:"info"`
	ScanTimestamp   *time.Time `db:"scan_timestamp" json:"scan_timestamp,omitempty"`
	OutputTimestamp *time.Time `db:"output_timestamp" json:"output_timestamp,omitempty"`
	Filename        string     `db:"filename" json:"filename"`
}

const scanSelect = `
	SELECT s.id, s.uuid, s.name, COALESCE(st.value, '') AS status,
	       s.last_modification_date, r.timestamp AS detail_timestamp,
	       COALESCE(r.host_count, 0) AS host_count
	FROM scan s
	LEFT JOIN scan_status st ON st.id = s.status_id
	LEFT JOIN scan_response r ON r.id = s.id`

// registerScanRoutes exposes what the pipeline has stored so far.
func registerScanRoutes(router *gin.Engine, store *database.Store, log *logger.Logger) {
	db := store.DB()

	router.GET("/scans", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		scans := []scanRow{}
		query := db.Rebind(scanSelect + ` ORDER BY s.id DESC LIMIT ?`)
		if err := db.SelectContext(ctx, &scans, query, scanListLimit); err != nil {
			log.LogError(ctx, err, "api.listScans")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, scans)
	})

	router.GET("/scans/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scan id must be an integer"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		var scans []scanRow
		if err := db.SelectContext(ctx, &scans, db.Rebind(scanSelect+` WHERE s.id = ?`), id); err != nil {
			log.LogError(ctx, err, "api.getScan", "scan_id", id)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(scans) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
			return
		}

		hosts := []hostRow{}
		err = db.SelectContext(ctx, &hosts, db.Rebind(`
			SELECT h.id, h.host_id, h.hostname, h.critical, h.high, h.medium, h.low, h.info,
			       o.scan_timestamp, o.output_timestamp, COALESCE(o.filename, '') AS filename
			FROM scan_host h
			LEFT JOIN host_output o ON o.id = h.id
			WHERE h.scan_id = ?
			ORDER BY h.host_id`), id)
		if err != nil {
			log.LogError(ctx, err, "api.getScanHosts", "scan_id", id)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"scan":  scans[0],
			"hosts": hosts,
		})
	})
}
