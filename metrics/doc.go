// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics counts what the resolver, the hook registry and the module
loader do.

Every metric is declared once in metrics.json and gets a constant in the
generated ids.go. Counters are exported through the global OpenTelemetry
meter provider and are also summed in process, so tooling and tests can read
them back without an exporter:

	metrics.Add(metrics.IDHookPatches, 1)
	n := metrics.Value(metrics.IDHookPatches)

# Directory Structure

	metrics
	├── genids/        // renders metrics.json into ids.go
	├── doc.go         // this file
	├── ids.go         // generated metric IDs
	├── metrics.go     // Add(), AddSlice(), Value()
	├── metrics.json   // metric definitions, append only
	└── types.go       // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics
