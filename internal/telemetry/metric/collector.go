package metric

import "github.com/prometheus/client_golang/prometheus"

// Stats is a point-in-time snapshot of engine state, supplied by the host
// and sampled at scrape time.
type Stats struct {
	Entries       int   // entries resident in the consolidated table
	SubKeySets    int   // sub-key sets currently loaded
	ExternalBlobs int   // external value files on disk
	VaultBytes    int64 // size of the consolidated file on disk
}

// Collector exposes engine stats as gauges without a push loop: values are
// pulled fresh on every scrape.
type Collector struct {
	statsFn func() Stats

	entries    *prometheus.Desc
	subkeySets *prometheus.Desc
	blobs      *prometheus.Desc
	vaultBytes *prometheus.Desc
}

// NewCollector creates a collector that samples statsFn on each scrape.
func NewCollector(statsFn func() Stats) *Collector {
	return &Collector{
		statsFn: statsFn,
		entries: prometheus.NewDesc(
			namespace+"_entries",
			"Entries resident in the consolidated store table.",
			nil, nil,
		),
		subkeySets: prometheus.NewDesc(
			namespace+"_subkey_sets",
			"Sub-key sets currently loaded in memory.",
			nil, nil,
		),
		blobs: prometheus.NewDesc(
			namespace+"_external_blobs",
			"External value files currently on disk.",
			nil, nil,
		),
		vaultBytes: prometheus.NewDesc(
			namespace+"_vault_file_bytes",
			"Size in bytes of the consolidated file on disk.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.subkeySets
	ch <- c.blobs
	ch <- c.vaultBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsFn()

	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.subkeySets, prometheus.GaugeValue, float64(stats.SubKeySets))
	ch <- prometheus.MustNewConstMetric(c.blobs, prometheus.GaugeValue, float64(stats.ExternalBlobs))
	ch <- prometheus.MustNewConstMetric(c.vaultBytes, prometheus.GaugeValue, float64(stats.VaultBytes))
}
