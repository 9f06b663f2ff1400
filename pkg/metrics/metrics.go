/*
Copyright 2025-Present Lattice Labs, Inc.

Use of this software is governed by the Apache License, Version 2.0,
included in the file licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/latticedb/lattice-go/pkg/version"
)

type DriverMetrics struct {
	Acquisitions        metric.Int64Counter
	AcquisitionFailures metric.Int64Counter
	RediscoveryAttempts metric.Int64Counter
	RediscoveryFailures metric.Int64Counter
	ServersForgotten    metric.Int64Counter
}

var (
	driverMetrics     *DriverMetrics
	driverMetricsLock sync.Mutex
)

func GetDriverMetrics() *DriverMetrics {
	driverMetricsLock.Lock()

	if driverMetrics != nil {
		driverMetricsLock.Unlock()
		return driverMetrics
	}

	driverMetrics = newDriverMetrics()

	driverMetricsLock.Unlock()
	return driverMetrics
}

func newDriverMetrics() *DriverMetrics {
	meter := otel.Meter(
		"com.latticedb.lattice-go",
		metric.WithInstrumentationVersion(version.Get()))

	acquisitions, _ := meter.Int64Counter("routing_acquisitions_total")
	acquisitionFailures, _ := meter.Int64Counter("routing_acquisition_failures_total")
	rediscoveryAttempts, _ := meter.Int64Counter("routing_rediscovery_attempts_total")
	rediscoveryFailures, _ := meter.Int64Counter("routing_rediscovery_failures_total")
	serversForgotten, _ := meter.Int64Counter("routing_servers_forgotten_total")

	return &DriverMetrics{
		Acquisitions:        acquisitions,
		AcquisitionFailures: acquisitionFailures,
		RediscoveryAttempts: rediscoveryAttempts,
		RediscoveryFailures: rediscoveryFailures,
		ServersForgotten:    serversForgotten,
	}
}
