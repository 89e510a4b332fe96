package persistence

import (
	"time"

	"a2a/pkg/metrics"
)

func observe(database, operation string, start time.Time, errp *error) {
	status := "success"
	if *errp != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery(database, operation, status)
	metrics.ObserveDatabaseQueryDuration(database, operation, time.Since(start))
}
