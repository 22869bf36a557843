// Package protocol defines the sensor board's line protocol: the read
// command and the "<label>:<value>,<label>:<value>" reply it answers with.
package protocol

import (
	"fmt"
	"strings"
)

// ReadCommand asks the device for one line of sensor readings.
const ReadCommand = "READ\n"

// NoData is the sentinel shown for a reading that has never been received.
const NoData = "---"

const (
	segmentSep = ","
	labelSep   = ":"
)

// Readings is one pair of sensor values as sent by the device, e.g.
// "T:23.5,H:60.1". Values are kept as text; nothing here parses numbers.
type Readings struct {
	Label1  string `json:"label1,omitempty"`
	Sensor1 string `json:"sensor1"`
	Label2  string `json:"label2,omitempty"`
	Sensor2 string `json:"sensor2"`
}

// Empty returns a pair with both values set to NoData.
func Empty() Readings {
	return Readings{Sensor1: NoData, Sensor2: NoData}
}

// Complete reports whether both values hold real data.
func (r Readings) Complete() bool {
	return r.Sensor1 != "" && r.Sensor2 != "" && r.Sensor1 != NoData && r.Sensor2 != NoData
}

// ParseReadings splits a device reply into two label:value segments.
// Segments after the second are ignored and labels are not checked. A
// reply with fewer than two segments, a segment without a colon, or an
// empty value is rejected as a whole; callers keep their previous pair.
func ParseReadings(line string) (Readings, error) {
	parts := strings.Split(strings.TrimSpace(line), segmentSep)
	if len(parts) < 2 {
		return Readings{}, fmt.Errorf("protocol: want 2 segments, got %d in %q", len(parts), line)
	}

	label1, value1, err := splitSegment(parts[0])
	if err != nil {
		return Readings{}, err
	}
	label2, value2, err := splitSegment(parts[1])
	if err != nil {
		return Readings{}, err
	}

	return Readings{
		Label1:  label1,
		Sensor1: value1,
		Label2:  label2,
		Sensor2: value2,
	}, nil
}

func splitSegment(segment string) (label, value string, err error) {
	label, value, ok := strings.Cut(segment, labelSep)
	if !ok {
		return "", "", fmt.Errorf("protocol: segment %q has no %q", segment, labelSep)
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", fmt.Errorf("protocol: segment %q has an empty value", segment)
	}

	return strings.TrimSpace(label), value, nil
}
