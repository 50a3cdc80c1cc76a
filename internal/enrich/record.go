// Package enrich turns decoded AVL records into the published tracking
// schema: coordinates in degrees, IO values mapped onto named columns or
// the dynamic_io side channel, discrete status strings, and alarm flags
// gated by per-mapping time windows.
package enrich

import "time"

// Record is the enriched, publish-ready form of one AVL record. Schema
// columns are pre-formatted strings (the downstream consumer stores them
// as text); an empty string means the column is unset and is omitted from
// JSON.
type Record struct {
	IMEI       string    `json:"imei"`
	ServerTime time.Time `json:"server_time"`
	GPSTime    time.Time `json:"gps_time"`

	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Altitude   int16   `json:"altitude"`
	Angle      uint16  `json:"angle"`
	Satellites uint8   `json:"satellites"`
	Speed      uint16  `json:"speed"`

	Status  string `json:"status"`
	IsValid int    `json:"is_valid"`

	ReferenceID *int64   `json:"reference_id,omitempty"`
	DistanceKm  *float64 `json:"distance_km,omitempty"`

	DynamicIO map[string]any `json:"dynamic_io,omitempty"`

	IsAlarm int `json:"is_alarm"`
	IsSMS   int `json:"is_sms"`
	IsEmail int `json:"is_email"`
	IsCall  int `json:"is_call"`

	PassengerSeat      string `json:"passenger_seat,omitempty"`
	MainBattery        string `json:"main_battery,omitempty"`
	BatteryVoltage     string `json:"battery_voltage,omitempty"`
	Fuel               string `json:"fuel,omitempty"`
	DallasTemperature1 string `json:"dallas_temperature_1,omitempty"`
	DallasTemperature2 string `json:"dallas_temperature_2,omitempty"`
	DallasTemperature3 string `json:"dallas_temperature_3,omitempty"`
	DallasTemperature4 string `json:"dallas_temperature_4,omitempty"`
	BLETemperature1    string `json:"ble_temperature_1,omitempty"`
	BLETemperature2    string `json:"ble_temperature_2,omitempty"`
	BLETemperature3    string `json:"ble_temperature_3,omitempty"`
	BLETemperature4    string `json:"ble_temperature_4,omitempty"`
	BLEHumidity1       string `json:"ble_humidity_1,omitempty"`
	BLEHumidity2       string `json:"ble_humidity_2,omitempty"`
	BLEHumidity3       string `json:"ble_humidity_3,omitempty"`
	BLEHumidity4       string `json:"ble_humidity_4,omitempty"`
	GreenDrivingValue  string `json:"green_driving_value,omitempty"`

	// hasColumn tracks whether any named column was written, which
	// controls the raw dynamic_io fallback for unmapped devices.
	hasColumn bool
}

// columnSetters is the closed name→setter table. Mapping rows naming any
// other column are ignored; the column set only changes with a schema
// migration on the consumer side.
var columnSetters = map[string]func(*Record, string){
	"passenger_seat":       func(r *Record, v string) { r.PassengerSeat = v },
	"main_battery":         func(r *Record, v string) { r.MainBattery = v },
	"battery_voltage":      func(r *Record, v string) { r.BatteryVoltage = v },
	"fuel":                 func(r *Record, v string) { r.Fuel = v },
	"dallas_temperature_1": func(r *Record, v string) { r.DallasTemperature1 = v },
	"dallas_temperature_2": func(r *Record, v string) { r.DallasTemperature2 = v },
	"dallas_temperature_3": func(r *Record, v string) { r.DallasTemperature3 = v },
	"dallas_temperature_4": func(r *Record, v string) { r.DallasTemperature4 = v },
	"ble_temperature_1":    func(r *Record, v string) { r.BLETemperature1 = v },
	"ble_temperature_2":    func(r *Record, v string) { r.BLETemperature2 = v },
	"ble_temperature_3":    func(r *Record, v string) { r.BLETemperature3 = v },
	"ble_temperature_4":    func(r *Record, v string) { r.BLETemperature4 = v },
	"ble_humidity_1":       func(r *Record, v string) { r.BLEHumidity1 = v },
	"ble_humidity_2":       func(r *Record, v string) { r.BLEHumidity2 = v },
	"ble_humidity_3":       func(r *Record, v string) { r.BLEHumidity3 = v },
	"ble_humidity_4":       func(r *Record, v string) { r.BLEHumidity4 = v },
	"green_driving_value":  func(r *Record, v string) { r.GreenDrivingValue = v },
}

// SchemaColumns lists the closed column set in a stable order, used by
// the CSV sink header.
var SchemaColumns = []string{
	"passenger_seat", "main_battery", "battery_voltage", "fuel",
	"dallas_temperature_1", "dallas_temperature_2", "dallas_temperature_3", "dallas_temperature_4",
	"ble_temperature_1", "ble_temperature_2", "ble_temperature_3", "ble_temperature_4",
	"ble_humidity_1", "ble_humidity_2", "ble_humidity_3", "ble_humidity_4",
	"green_driving_value",
}

// Column reads a schema column by name.
func (r *Record) Column(name string) string {
	switch name {
	case "passenger_seat":
		return r.PassengerSeat
	case "main_battery":
		return r.MainBattery
	case "battery_voltage":
		return r.BatteryVoltage
	case "fuel":
		return r.Fuel
	case "dallas_temperature_1":
		return r.DallasTemperature1
	case "dallas_temperature_2":
		return r.DallasTemperature2
	case "dallas_temperature_3":
		return r.DallasTemperature3
	case "dallas_temperature_4":
		return r.DallasTemperature4
	case "ble_temperature_1":
		return r.BLETemperature1
	case "ble_temperature_2":
		return r.BLETemperature2
	case "ble_temperature_3":
		return r.BLETemperature3
	case "ble_temperature_4":
		return r.BLETemperature4
	case "ble_humidity_1":
		return r.BLEHumidity1
	case "ble_humidity_2":
		return r.BLEHumidity2
	case "ble_humidity_3":
		return r.BLEHumidity3
	case "ble_humidity_4":
		return r.BLEHumidity4
	case "green_driving_value":
		return r.GreenDrivingValue
	}
	return ""
}

// setColumn writes a schema column by name, reporting whether the name is
// part of the schema.
func (r *Record) setColumn(name, value string) bool {
	set, ok := columnSetters[name]
	if !ok {
		return false
	}
	set(r, value)
	r.hasColumn = true
	return true
}
