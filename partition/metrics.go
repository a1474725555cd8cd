package partition

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector adapts Root.DumpStats onto a prometheus.Collector, so a
// process hosting one or more partitions can expose them the same way it
// would any other Go-level resource pool.
//
// Grounded on storj-storj and buildbarn-bb-storage's pattern of wrapping an
// internal stats snapshot in a prometheus.Collector rather than maintaining
// live prometheus metric objects on every hot-path increment.
type MetricsCollector struct {
	root *Root

	committed      *prometheus.Desc
	reservedSuper  *prometheus.Desc
	reservedDirect *prometheus.Desc
	quarantined    *prometheus.Desc
	bucketSlots    *prometheus.Desc
}

// NewMetricsCollector builds a collector for root, labeled by its Name.
func NewMetricsCollector(root *Root) *MetricsCollector {
	constLabels := prometheus.Labels{"partition": root.name}
	return &MetricsCollector{
		root: root,
		committed: prometheus.NewDesc("partitionalloc_committed_bytes",
			"Bytes currently committed across all slot spans.", nil, constLabels),
		reservedSuper: prometheus.NewDesc("partitionalloc_reserved_superpage_bytes",
			"Bytes reserved via super-page mappings.", nil, constLabels),
		reservedDirect: prometheus.NewDesc("partitionalloc_reserved_directmap_bytes",
			"Bytes reserved via direct-map mappings.", nil, constLabels),
		quarantined: prometheus.NewDesc("partitionalloc_quarantined_bytes",
			"Bytes currently held in PCScan quarantine.", nil, constLabels),
		bucketSlots: prometheus.NewDesc("partitionalloc_bucket_allocated_slots",
			"Allocated slots per bucket size class.", []string{"slot_size"}, constLabels),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.committed
	ch <- c.reservedSuper
	ch <- c.reservedDirect
	ch <- c.quarantined
	ch <- c.bucketSlots
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.root.DumpStats(func(s RootStats) {
		ch <- prometheus.MustNewConstMetric(c.committed, prometheus.GaugeValue, float64(s.CommittedBytes))
		ch <- prometheus.MustNewConstMetric(c.reservedSuper, prometheus.GaugeValue, float64(s.ReservedSuperPageBytes))
		ch <- prometheus.MustNewConstMetric(c.reservedDirect, prometheus.GaugeValue, float64(s.ReservedDirectMapBytes))
		ch <- prometheus.MustNewConstMetric(c.quarantined, prometheus.GaugeValue, float64(s.QuarantinedBytes))
		for _, b := range s.Buckets {
			label := itoa(b.SlotSize)
			ch <- prometheus.MustNewConstMetric(c.bucketSlots, prometheus.GaugeValue, float64(b.AllocatedSlots), label)
		}
	})
}

func itoa(v uintptr) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
