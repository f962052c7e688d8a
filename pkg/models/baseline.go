package models

// Sample is one metric reading taken from a skill snapshot.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Skill     string  `json:"skill"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
}

// Baseline is the per-(skill, metric) statistical reference computed at the
// end of the learning phase. Baselines with SampleCount below the configured
// minimum must not be used to decide anomalies.
type Baseline struct {
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Percentile50 float64 `json:"percentile_50"`
	Percentile95 float64 `json:"percentile_95"`
	Percentile99 float64 `json:"percentile_99"`
	SampleCount  int     `json:"sample_count"`
	LastUpdated  int64   `json:"last_updated"`
}

// MetricKey identifies a (skill, metric) pair in stores and baselines.
type MetricKey struct {
	Skill  string `json:"skill"`
	Metric string `json:"metric"`
}

// String renders the key in "skill/metric" form for logs and persistence.
func (k MetricKey) String() string {
	return k.Skill + "/" + k.Metric
}
