package domain

import "time"

// AlertBucket counts alerts sharing one type, severity and status.
// AvgResponse is the mean time from detection to acknowledgement over
// the acknowledged alerts in the bucket, zero when none were.
type AlertBucket struct {
	Type        AlertType     `json:"alertType"`
	Severity    Severity      `json:"severity"`
	Status      AlertStatus   `json:"status"`
	Count       int           `json:"count"`
	AvgResponse time.Duration `json:"avgResponseTime"`
}

// AlertStats is the dashboard summary. Total and Breakdown cover alerts
// detected in [From, To]; Unresolved and Critical count every open alert.
type AlertStats struct {
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Total      int           `json:"totalAlerts"`
	Unresolved int           `json:"unresolvedAlerts"`
	Critical   int           `json:"criticalAlerts"`
	Breakdown  []AlertBucket `json:"breakdown"`
}
