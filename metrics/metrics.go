// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cavelake"

const (
	MetricRowsAppended      = "rows_appended_total"
	MetricChunksAppended    = "chunks_appended_total"
	MetricRowsParsed        = "rows_parsed_total"
	MetricExportRequests    = "export_requests_total"
	MetricExportWaits       = "export_waits_total"
	MetricBytesStaged       = "bytes_staged_total"
	MetricFilesRewritten    = "files_rewritten_total"
	MetricFiltersBuilt      = "filters_built_total"
	MetricFilesVacuumed     = "files_vacuumed_total"
	MetricStageDuration     = "stage_duration_seconds"
	MetricSegmentationJoins = "segmentation_join_misses_total"
)

var CounterRowsAppended = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRowsAppended,
		Help:      "Rows committed to the output table.",
	},
)

var CounterChunksAppended = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricChunksAppended,
		Help:      "Chunks committed to the output table.",
	},
)

var CounterRowsParsed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRowsParsed,
		Help:      "Source CSV rows parsed.",
	},
)

var CounterExportRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricExportRequests,
		Help:      "Export requests issued, by outcome.",
	},
	[]string{
		"outcome",
	},
)

var CounterExportWaits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricExportWaits,
		Help:      "Backoff waits while the export service was busy.",
	},
)

var CounterBytesStaged = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricBytesStaged,
		Help:      "Bytes copied into the staging directory.",
	},
)

var CounterFilesRewritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFilesRewritten,
		Help:      "Data files written by z-order rewrites.",
	},
)

var CounterFiltersBuilt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFiltersBuilt,
		Help:      "Bloom filters built, by column.",
	},
	[]string{
		"column",
	},
)

var CounterFilesVacuumed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFilesVacuumed,
		Help:      "Unreferenced files removed by vacuum.",
	},
)

var CounterJoinMisses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricSegmentationJoins,
		Help:      "Rows with no matching segmentation row.",
	},
)

var SummaryStageDuration = prometheus.NewSummaryVec(
	prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      MetricStageDuration,
		Help:      "Wall time of each pipeline stage.",
	},
	[]string{
		"stage",
	},
)

func init() {
	prometheus.MustRegister(CounterRowsAppended)
	prometheus.MustRegister(CounterChunksAppended)
	prometheus.MustRegister(CounterRowsParsed)
	prometheus.MustRegister(CounterExportRequests)
	prometheus.MustRegister(CounterExportWaits)
	prometheus.MustRegister(CounterBytesStaged)
	prometheus.MustRegister(CounterFilesRewritten)
	prometheus.MustRegister(CounterFiltersBuilt)
	prometheus.MustRegister(CounterFilesVacuumed)
	prometheus.MustRegister(CounterJoinMisses)
	prometheus.MustRegister(SummaryStageDuration)
}

// Handler serves the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
