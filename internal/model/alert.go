package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrUnknownMetric    = errors.New("unknown metric")
	ErrUnknownCondition = errors.New("unknown condition")
)

// EqualityEpsilon is the tolerance used by the "==" condition.
const EqualityEpsilon = 1e-4

// Metric is the signal an alert watches.
type Metric string

const (
	MetricPrice      Metric = "price"
	MetricZScore     Metric = "z_score"
	MetricVolume     Metric = "volume"
	MetricVolatility Metric = "volatility"
)

// ParseMetric resolves a metric name. Unknown names are a configuration error.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricPrice, MetricZScore, MetricVolume, MetricVolatility:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// Condition is a threshold comparison operator.
type Condition string

const (
	CondGT Condition = ">"
	CondLT Condition = "<"
	CondGE Condition = ">="
	CondLE Condition = "<="
	CondEQ Condition = "=="
)

// ParseCondition resolves a comparison operator.
func ParseCondition(s string) (Condition, error) {
	switch c := Condition(strings.TrimSpace(s)); c {
	case CondGT, CondLT, CondGE, CondLE, CondEQ:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCondition, s)
}

// Eval compares value against threshold. "==" is true within EqualityEpsilon.
func (c Condition) Eval(value, threshold float64) bool {
	switch c {
	case CondGT:
		return value > threshold
	case CondLT:
		return value < threshold
	case CondGE:
		return value >= threshold
	case CondLE:
		return value <= threshold
	case CondEQ:
		return math.Abs(value-threshold) < EqualityEpsilon
	}
	return false
}

// AlertDefinition is a user-defined threshold alert.
// For MetricZScore, Instrument holds a pair key (see SplitPair).
type AlertDefinition struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Instrument    string     `json:"instrument"`
	Metric        Metric     `json:"metric"`
	Condition     Condition  `json:"condition"`
	Threshold     float64    `json:"threshold"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastTriggered *time.Time `json:"last_triggered"`
}

// Validate checks the enum fields and, for z_score alerts, the pair key.
func (a *AlertDefinition) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("alert name is required")
	}
	if strings.TrimSpace(a.Instrument) == "" {
		return errors.New("alert instrument is required")
	}
	if _, err := ParseMetric(string(a.Metric)); err != nil {
		return err
	}
	if _, err := ParseCondition(string(a.Condition)); err != nil {
		return err
	}
	if a.Metric == MetricZScore {
		if _, _, err := SplitPair(a.Instrument); err != nil {
			return err
		}
	}
	if math.IsNaN(a.Threshold) || math.IsInf(a.Threshold, 0) {
		return errors.New("alert threshold must be finite")
	}
	return nil
}

// TriggerEvent is emitted when an alert condition holds. Not persisted.
type TriggerEvent struct {
	AlertID       int64     `json:"alert_id"`
	AlertName     string    `json:"alert_name"`
	Instrument    string    `json:"instrument"`
	Metric        Metric    `json:"metric"`
	ObservedValue float64   `json:"value"`
	Condition     Condition `json:"condition"`
	Threshold     float64   `json:"threshold"`
	Timestamp     time.Time `json:"timestamp"`
}
