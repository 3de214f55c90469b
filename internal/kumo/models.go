package kumo

// TokenPair is the access/refresh token pair issued by the cloud.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	AppVersion string `json:"appVersion"`
}

type loginResponse struct {
	Token TokenPair `json:"token"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// Site is an account-owned location containing zones.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Zone is a climate zone within a site. Zones without an adapter have no
// controllable thermostat and are skipped.
type Zone struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Adapter *Adapter `json:"adapter"`
}

// Adapter carries the zone thermostat identity and its last reported state.
type Adapter struct {
	DeviceSerial  string   `json:"deviceSerial"`
	OperationMode string   `json:"operationMode"`
	Power         int      `json:"power"`
	RoomTemp      *float64 `json:"roomTemp"`
	Humidity      *float64 `json:"humidity"`
	SpCool        *float64 `json:"spCool"`
	SpHeat        *float64 `json:"spHeat"`
	FanSpeed      string   `json:"fanSpeed"`
	AirDirection  string   `json:"airDirection"`
	UpdatedAt     int64    `json:"updatedAt"`
}

// DeviceDetails is the per-device state document. UpdatedAt is the cloud's
// monotonically increasing change stamp.
type DeviceDetails struct {
	SerialNumber  string   `json:"serialNumber"`
	OperationMode string   `json:"operationMode"`
	Power         int      `json:"power"`
	RoomTemp      *float64 `json:"roomTemp"`
	Humidity      *float64 `json:"humidity"`
	SpCool        *float64 `json:"spCool"`
	SpHeat        *float64 `json:"spHeat"`
	FanSpeed      string   `json:"fanSpeed"`
	AirDirection  string   `json:"airDirection"`
	UpdatedAt     int64    `json:"updatedAt"`
}

// SetPoints is a heat/cool setpoint pair from the device profile.
type SetPoints struct {
	Heat float64 `json:"heat"`
	Cool float64 `json:"cool"`
}

// DeviceProfile describes what a device can do. ProfileVersion changes when
// the vendor updates the descriptor; capability detection re-runs then.
type DeviceProfile struct {
	ProfileVersion    string    `json:"profileVersion"`
	HasModeHeat       bool      `json:"hasModeHeat"`
	HasModeDry        bool      `json:"hasModeDry"`
	HasModeVent       bool      `json:"hasModeVent"`
	ExtraModes        []string  `json:"extraModes"`
	NumberOfFanSpeeds int       `json:"numberOfFanSpeeds"`
	HasVaneDir        bool      `json:"hasVaneDir"`
	HasVaneSwing      bool      `json:"hasVaneSwing"`
	MinimumSetPoints  SetPoints `json:"minimumSetPoints"`
	MaximumSetPoints  SetPoints `json:"maximumSetPoints"`
}

type sendCommandRequest struct {
	DeviceSerial string         `json:"deviceSerial"`
	RequestID    string         `json:"requestId"`
	Commands     map[string]any `json:"commands"`
}
