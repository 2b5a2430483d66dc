// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/vectorhook/hookcore/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/vectorhook/hookcore/vc"
)

//go:embed metrics.json
var metricsJSON []byte

// slot pairs the in-process total of a metric with its exported instrument.
// The instrument is nil for obsolete metrics or when creating it failed.
type slot struct {
	total      atomic.Int64
	instrument metric.Int64Counter
}

var (
	slots [IDMax]slot

	definitions = sync.OnceValue(func() []MetricDefinition {
		var defs []MetricDefinition
		dec := json.NewDecoder(bytes.NewReader(metricsJSON))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&defs); err != nil {
			panic(fmt.Sprintf("metrics.json: %v", err))
		}
		return defs
	})
)

func init() {
	meter := otel.Meter("github.com/vectorhook/hookcore",
		metric.WithInstrumentationVersion(vc.Version()))

	for _, md := range definitions() {
		if md.Obsolete {
			continue
		}
		if md.Type != MetricTypeCounter {
			panic(fmt.Sprintf("metric %s: unknown type %q", md.Name, md.Type))
		}
		counter, err := meter.Int64Counter(md.Field,
			metric.WithDescription(md.Description),
			metric.WithUnit(md.Unit))
		if err != nil {
			log.Errorf("Failed to create counter %s: %v", md.Field, err)
			continue
		}
		slots[md.ID].instrument = counter
	}
}

func valid(id MetricID) bool {
	return id > IDInvalid && id < IDMax
}

// Add records value for the metric id. Zero values are dropped.
func Add(id MetricID, value MetricValue) {
	if !valid(id) {
		log.Errorf("Metric ID %d outside [%d,%d]", id, IDInvalid+1, IDMax-1)
		return
	}
	if value == 0 {
		return
	}
	s := &slots[id]
	s.total.Add(int64(value))
	if s.instrument != nil {
		s.instrument.Add(context.Background(), int64(value))
	}
}

// AddSlice records a batch of metrics.
func AddSlice(batch []Metric) {
	for _, m := range batch {
		Add(m.ID, m.Value)
	}
}

// Value returns the sum of everything recorded for id in this process.
func Value(id MetricID) MetricValue {
	if !valid(id) {
		return 0
	}
	return MetricValue(slots[id].total.Load())
}

// GetDefinitions returns the metric definitions embedded from metrics.json.
// The returned slice is shared and must not be modified.
func GetDefinitions() []MetricDefinition {
	return definitions()
}
