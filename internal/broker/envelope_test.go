package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fleet.report/internal/enrich"
)

func normalRecord() *enrich.Record {
	return &enrich.Record{
		IMEI:       "123456789012345",
		ServerTime: time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		GPSTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Lat:        24.8607, Lon: 67.0011,
		Status: "Normal", IsValid: 1,
	}
}

func TestClassify(t *testing.T) {
	rec := normalRecord()
	assert.Equal(t, []RecordType{TypeTrackdata}, Classify(rec))

	rec.Status = "Ignition On"
	assert.Equal(t, []RecordType{TypeTrackdata, TypeEvent}, Classify(rec))

	rec.IsAlarm = 1
	assert.Equal(t, []RecordType{TypeTrackdata, TypeEvent, TypeAlarm}, Classify(rec))
}

func TestRoutingKeysAndPriorities(t *testing.T) {
	assert.Equal(t, "tracking.teltonika.trackdata", TypeTrackdata.RoutingKey())
	assert.Equal(t, "tracking.teltonika.event", TypeEvent.RoutingKey())
	assert.Equal(t, "tracking.teltonika.alarm", TypeAlarm.RoutingKey())

	assert.Equal(t, uint8(0), TypeTrackdata.Priority())
	assert.Equal(t, uint8(0), TypeEvent.Priority())
	assert.Equal(t, uint8(10), TypeAlarm.Priority())
}

func TestEnvelopeShape(t *testing.T) {
	meta := DeviceMeta{IMEI: "123456789012345", IP: "10.1.2.3", Port: 40211}
	env := NewEnvelope("parser-01", meta, TypeAlarm, normalRecord())

	body, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.NotEmpty(t, decoded["message_id"])
	assert.Equal(t, "teltonika", decoded["vendor"])
	assert.Equal(t, "1.0", decoded["vendor_version"])
	assert.Equal(t, "alarm", decoded["record_type"])
	assert.Equal(t, "123456789012345", decoded["imei"])
	assert.Equal(t, "10.1.2.3", decoded["device_ip"])
	assert.Equal(t, float64(40211), decoded["device_port"])

	meta2 := decoded["metadata"].(map[string]any)
	assert.Equal(t, "parser-01", meta2["parser_node_id"])

	data := decoded["data"].(map[string]any)
	assert.Equal(t, "Normal", data["status"])
	assert.Equal(t, float64(1), data["is_valid"])

	// Timestamps travel as ISO-8601 with a zone designator.
	_, err = time.Parse(time.RFC3339, decoded["timestamp"].(string))
	assert.NoError(t, err)
}

func TestEnvelopeMessageIDsDistinct(t *testing.T) {
	meta := DeviceMeta{IMEI: "123456789012345"}
	rec := normalRecord()
	a := NewEnvelope("n", meta, TypeTrackdata, rec)
	b := NewEnvelope("n", meta, TypeEvent, rec)
	assert.NotEqual(t, a.MessageID, b.MessageID)
}
