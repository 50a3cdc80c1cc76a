// Package broker delivers enriched tracking records to downstream
// consumers: a RabbitMQ topic exchange in production, or plain CSV files
// in log mode. Both sinks implement Publisher; the connection handler
// only cares that a publish either confirms or fails fast.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fleet.report/internal/enrich"
)

// Vendor identity stamped on every message.
const (
	Vendor        = "teltonika"
	VendorVersion = "1.0"
)

// RecordType classifies a published message.
type RecordType string

const (
	TypeTrackdata RecordType = "trackdata"
	TypeEvent     RecordType = "event"
	TypeAlarm     RecordType = "alarm"
)

// RoutingKey returns the topic key for this record type.
func (rt RecordType) RoutingKey() string {
	return "tracking." + Vendor + "." + string(rt)
}

// Priority returns the AMQP message priority: alarms jump the queue.
func (rt RecordType) Priority() uint8 {
	if rt == TypeAlarm {
		return 10
	}
	return 0
}

// Classify lists every message class a record must be published as.
// Trackdata always; event when the status left "Normal"; alarm when the
// alarm gate fired. One panic record therefore produces three messages.
func Classify(rec *enrich.Record) []RecordType {
	types := []RecordType{TypeTrackdata}
	if rec.Status != "Normal" {
		types = append(types, TypeEvent)
	}
	if rec.IsAlarm == 1 {
		types = append(types, TypeAlarm)
	}
	return types
}

// DeviceMeta identifies the connection a record arrived on.
type DeviceMeta struct {
	IMEI string
	IP   string
	Port int
}

// Envelope is the broker message wrapper consumed downstream.
type Envelope struct {
	MessageID     string            `json:"message_id"`
	Vendor        string            `json:"vendor"`
	VendorVersion string            `json:"vendor_version"`
	Timestamp     string            `json:"timestamp"`
	RecordType    RecordType        `json:"record_type"`
	IMEI          string            `json:"imei"`
	DeviceIP      string            `json:"device_ip"`
	DevicePort    int               `json:"device_port"`
	Data          *enrich.Record    `json:"data"`
	Metadata      map[string]string `json:"metadata"`
}

// NewEnvelope wraps one record for one message class. Each call mints a
// fresh message id, so the three classes of a single record stay
// distinguishable downstream.
func NewEnvelope(nodeID string, meta DeviceMeta, rt RecordType, rec *enrich.Record) *Envelope {
	return &Envelope{
		MessageID:     uuid.NewString(),
		Vendor:        Vendor,
		VendorVersion: VendorVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		RecordType:    rt,
		IMEI:          meta.IMEI,
		DeviceIP:      meta.IP,
		DevicePort:    meta.Port,
		Data:          rec,
		Metadata:      map[string]string{"parser_node_id": nodeID},
	}
}

// Publisher is the sink the connection handler publishes through. A nil
// error means the message is durably accepted; any error means the device
// must not be ACKed so it retransmits.
type Publisher interface {
	// PublishRecord publishes every classification of rec and returns
	// the first failure.
	PublishRecord(ctx context.Context, meta DeviceMeta, rec *enrich.Record) error
	// Connected reports sink liveness for readiness checks.
	Connected() bool
}
