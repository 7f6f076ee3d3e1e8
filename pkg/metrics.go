package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define Metrics
var (
	provisionRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aware_provision_requests_total",
		Help: "The total number of tenant provision requests received",
	})
	unauthorizedTenantRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aware_unauthorized_tenant_requests_total",
			Help: "Total number of tenant requests rejected by team/role checks",
		},
		[]string{"team_id"},
	)
)
