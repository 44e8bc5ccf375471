package alerts

import "time"

// Subscription is one registered push endpoint. Admin subscribers receive
// every overdue alert; other subscribers only alerts for traps of their
// customer.
type Subscription struct {
	ID        int64
	Username  string
	Customer  string
	Role      string
	Endpoint  string
	CreatedAt time.Time
}

// OverdueAlert describes a trap that failed to report by its predicted
// deadline plus the grace buffer.
type OverdueAlert struct {
	DeviceID   string    `json:"id"`
	Server     string    `json:"server"`
	Customer   string    `json:"customer"`
	Location   string    `json:"location"`
	House      string    `json:"house"`
	InHouseLoc string    `json:"inHouseLoc"`
	Mode       string    `json:"mode"`
	DueAt      time.Time `json:"dueAt"`
	DetectedAt time.Time `json:"detectedAt"`
}
