package store

import "time"

// Device is the registration record of an actuator.
type Device struct {
	ID           string    `json:"id"`
	Address      string    `json:"address,omitempty"`
	Name         string    `json:"name,omitempty"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Model        string    `json:"model,omitempty"`
	Transport    string    `json:"transport"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
	RSSI         int16     `json:"rssi,omitempty"`
}

// DisplayName returns the friendly name, falling back to the advertised
// name and then the id.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
