//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"blinds-go-home/internal/cover"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/blinds_<id>/cover/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string    `json:"identifiers"`
	Model       string      `json:"model,omitempty"`
	Name        string      `json:"name"`
	Connections [][2]string `json:"connections,omitempty"`
}

// haCover is the HA discovery payload of an MQTT cover.
type haCover struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	DeviceClass       string   `json:"device_class"`
	CommandTopic      string   `json:"command_topic"`
	SetPositionTopic  string   `json:"set_position_topic"`
	PositionTopic     string   `json:"position_topic"`
	PositionTemplate  string   `json:"position_template"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	AvailabilityTopic string   `json:"availability_topic"`
	PayloadOpen       string   `json:"payload_open"`
	PayloadClose      string   `json:"payload_close"`
	PayloadStop       string   `json:"payload_stop"`
	StateOpen         string   `json:"state_open"`
	StateOpening      string   `json:"state_opening"`
	StateClosed       string   `json:"state_closed"`
	StateClosing      string   `json:"state_closing"`
	StateStopped      string   `json:"state_stopped"`
	PositionOpen      int      `json:"position_open"`
	PositionClosed    int      `json:"position_closed"`
	Device            haDevice `json:"device"`
}

// coverInfo is what discovery needs to know about a device.
type coverInfo struct {
	ID      string
	Name    string
	Model   string
	Address string
}

func infoOf(d *cover.Device) coverInfo {
	return coverInfo{ID: d.ID(), Name: d.Name(), Model: d.Model(), Address: d.Address()}
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id string) string {
	return "blinds_" + id
}

func stateTopic(prefix, id string) string       { return prefix + "/" + id }
func commandTopic(prefix, id string) string     { return prefix + "/" + id + "/set" }
func setPositionTopic(prefix, id string) string { return prefix + "/" + id + "/set_position" }
func availabilityTopic(prefix string) string    { return prefix + "/bridge/state" }

func discoveryTopic(id string) string {
	return fmt.Sprintf("homeassistant/cover/%s/cover/config", deviceIdentifier(id))
}

// buildDiscovery generates the HA cover discovery message for a device.
func buildDiscovery(info coverInfo, prefix string) discoveryMsg {
	nodeID := deviceIdentifier(info.ID)
	name := info.Name
	if name == "" {
		name = info.ID
	}

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       info.Model,
		Name:        name,
	}
	if info.Address != "" {
		haDev.Connections = [][2]string{{"bluetooth", info.Address}}
	}

	state := stateTopic(prefix, info.ID)
	payload := haCover{
		Name:              name,
		UniqueID:          nodeID + "_cover",
		DeviceClass:       "shade",
		CommandTopic:      commandTopic(prefix, info.ID),
		SetPositionTopic:  setPositionTopic(prefix, info.ID),
		PositionTopic:     state,
		PositionTemplate:  "{{ value_json.position }}",
		StateTopic:        state,
		ValueTemplate:     "{{ value_json.state }}",
		AvailabilityTopic: availabilityTopic(prefix),
		PayloadOpen:       payloadOpen,
		PayloadClose:      payloadClose,
		PayloadStop:       payloadStop,
		StateOpen:         stateOpen,
		StateOpening:      stateOpening,
		StateClosed:       stateClosed,
		StateClosing:      stateClosing,
		StateStopped:      stateStopped,
		PositionOpen:      100,
		PositionClosed:    0,
		Device:            haDev,
	}
	return discoveryMsg{Topic: discoveryTopic(info.ID), Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates the empty retained messages that remove a
// device from HA and clear its retained state.
func buildRemoveDiscovery(id, prefix string) []discoveryMsg {
	return []discoveryMsg{
		{Topic: discoveryTopic(id)},
		{Topic: stateTopic(prefix, id)},
	}
}
