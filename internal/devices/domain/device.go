package devices

// Battery reflects the trap's reported battery condition.
type Battery string

const (
	BatteryOk  Battery = "Ok"
	BatteryLow Battery = "Low"
)

// Mode is a trap lifecycle stage. Traps move forward through the sequence
// PreOpen Lid -> Training -> Done Training -> daily open/close/inspection,
// repeating only within Training and the inspection stages.
type Mode string

const (
	ModePreOpenLid       Mode = "PreOpen Lid"
	ModeTraining         Mode = "Training"
	ModeDoneTraining     Mode = "Done Training"
	ModeDailyCycleDone   Mode = "Lid Closed Daily-Cycle Done"
	ModeLidOpenedIdling  Mode = "Lid Opened Idling"
	ModeLidClosedIdling  Mode = "Lid Closed Idling"
	ModeInspecting       Mode = "Inspecting"
	ModeReportInspection Mode = "Report Inspection"
)

// ParseMode maps a reported mode label to the closed enumeration.
func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModePreOpenLid, ModeTraining, ModeDoneTraining, ModeDailyCycleDone,
		ModeLidOpenedIdling, ModeLidClosedIdling, ModeInspecting, ModeReportInspection:
		return Mode(value), true
	}
	return Mode(value), false
}

// TrainingConfig holds the pre-open and training phase durations in minutes.
type TrainingConfig struct {
	PreOpen int `json:"preOpen"`
	VentDur int `json:"ventDur"`
	On1     int `json:"on1"`
	Sleep1  int `json:"sleep1"`
	Train   int `json:"train"`
}

// DetectionConfig holds the daily schedule ("HH:MM", device-local) and the
// inspection phase durations in minutes.
type DetectionConfig struct {
	Open1    string `json:"open1"`
	Close1   string `json:"close1"`
	StartDet string `json:"startDet"`
	Vent2    int    `json:"vent2"`
	On2      int    `json:"on2"`
	Sleep2   int    `json:"sleep2"`
	Detect   int    `json:"detect"`
}

// Config is a trap's operating configuration. It is replaced wholesale when a
// new configuration report arrives.
type Config struct {
	Training  TrainingConfig  `json:"training"`
	Detection DetectionConfig `json:"detection"`
	// Timezone is a fixed GMT offset in hours. Daylight saving is not
	// modeled; traps are configured with a plain offset.
	Timezone int `json:"timezone"`
}

// Status is a trap's latest status report. Timestamps are epoch milliseconds,
// zero when the trap has not reached that stage yet.
type Status struct {
	Mode        Mode    `json:"mode"`
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Detection   int64   `json:"detection"`
	Trained     int64   `json:"trained"`
	Battery     Battery `json:"battery"`
	LastUpdated int64   `json:"lastUpdated"`
}

// Key identifies a trap on a specific broker.
type Key struct {
	DeviceID string
	Server   string
}

// State is the composite record for one trap: latest config and status plus
// the computed schedule. Owned by the state store; mutated only through its
// merge operation.
type State struct {
	DeviceID   string `json:"id"`
	Server     string `json:"server"`
	Customer   string `json:"customer"`
	Location   string `json:"location"`
	House      string `json:"house"`
	InHouseLoc string `json:"inHouseLoc"`
	Contact    string `json:"contact"`

	Config *Config `json:"conf,omitempty"`
	Status *Status `json:"status,omitempty"`

	NextUpdate      int64 `json:"nextUpdate"`
	AfterNextUpdate int64 `json:"afterNextUpdate"`
	CurrentCycle    int   `json:"currentCycle"`
	TotalCycles     int   `json:"totalCycles"`
}

// Complete reports whether both a status and a config report have arrived.
func (s State) Complete() bool {
	return s.Status != nil && s.Config != nil
}

// Key returns the store key for this state.
func (s State) Key() Key {
	return Key{DeviceID: s.DeviceID, Server: s.Server}
}
