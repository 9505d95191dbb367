package models

import "time"

// AlertLevel is the severity of an anomaly alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Severity maps the level onto [0,1] for risk scoring.
func (l AlertLevel) Severity() float64 {
	switch l {
	case AlertCritical:
		return 1.0
	case AlertWarning:
		return 0.5
	default:
		return 0
	}
}

// AnomalyAlert is produced by the anomaly detector and consumed by the risk manager.
type AnomalyAlert struct {
	Type      string     `json:"type"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}
