package metrics

import (
	"github.com/mchatman/aware-sub000/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// TenantCollector
// ---------------------------------------------------------------------------

// TenantCollector implements prometheus.Collector and queries the database on
// each scrape to report current tenant counts by status. This ensures metric
// accuracy even after restarts or manual DB changes.
type TenantCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewTenantCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewTenantCollector(db *gorm.DB) *TenantCollector {
	return &TenantCollector{
		db: db,
		desc: prometheus.NewDesc(
			"aware_tenants",
			"Current number of tenants grouped by status",
			[]string{"status"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *TenantCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the database and sends tenant count metrics.
func (c *TenantCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		Status string
		Count  int64
	}

	var rows []row
	c.db.Model(&models.Tenant{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows)

	for _, r := range rows {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(r.Count),
			r.Status,
		)
	}
}
