package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Metric names a billable usage counter.
type Metric string

const (
	MetricBasicInteractions   Metric = "basicInteractions"
	MetricPremiumInteractions Metric = "premiumInteractions"
	MetricMemoriesAdded       Metric = "memoriesAdded"
	MetricMemoriesSearched    Metric = "memoriesSearched"
	MetricVoiceChats          Metric = "voiceChats"
	MetricVideosGenerated     Metric = "videosGenerated"
)

// Metrics lists every tracked metric in display order.
var Metrics = []Metric{
	MetricBasicInteractions,
	MetricPremiumInteractions,
	MetricMemoriesAdded,
	MetricMemoriesSearched,
	MetricVoiceChats,
	MetricVideosGenerated,
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	for _, k := range Metrics {
		if k == m {
			return true
		}
	}
	return false
}

// ParseMetric converts a string to a known Metric.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", NewValidationError("metric", fmt.Sprintf("unknown metric %q", s))
	}
	return m, nil
}

const unlimitedText = "unlimited"

// Limit is a plan ceiling: a non-negative count or Unlimited.
type Limit struct {
	n         int64
	unlimited bool
}

// Unlimited is the ceiling of metrics a plan does not cap.
var Unlimited = Limit{unlimited: true}

// LimitOf returns a finite limit. Negative values are treated as zero.
func LimitOf(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{n: n}
}

func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the finite ceiling; it is meaningless when IsUnlimited.
func (l Limit) Value() int64 { return l.n }

// Allows reports whether a counter at count may be incremented once more.
func (l Limit) Allows(count int64) bool {
	return l.unlimited || count < l.n
}

// Remaining returns the headroom below the ceiling, or -1 when unlimited.
func (l Limit) Remaining(count int64) int64 {
	if l.unlimited {
		return -1
	}
	if count >= l.n {
		return 0
	}
	return l.n - count
}

func (l Limit) String() string {
	if l.unlimited {
		return unlimitedText
	}
	return strconv.FormatInt(l.n, 10)
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return json.Marshal(unlimitedText)
	}
	return json.Marshal(l.n)
}

func (l *Limit) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return l.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("limit must be an integer or %q", unlimitedText)
	}
	if n < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	*l = LimitOf(n)
	return nil
}

func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be a scalar", node.Line)
	}
	if err := l.parse(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (l *Limit) parse(s string) error {
	if s == unlimitedText {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid limit %q", s)
	}
	*l = LimitOf(n)
	return nil
}
