package session

import "github.com/kstaniek/go-sap-host/internal/sap"

// Events is the capability interface through which the session notifies its
// owner. Calls happen synchronously from dispatch; implementations must not
// block indefinitely.
type Events interface {
	// SapConnected fires once the handshake is acknowledged.
	SapConnected()
	// ConnStatus reports the firmware's connection status notification.
	ConnStatus(status sap.ConnStatus)
	// RadioStateRequest asks the owner to allow (true) or quiesce (false)
	// its use of the radio.
	RadioStateRequest(enabled bool)
	// ForcedRelease fires when the firmware unilaterally reclaims the
	// radio; the owner must quiesce and then call DeviceDown.
	ForcedRelease()
	// DeviceStolen fires when the transport disappears underneath us.
	DeviceStolen()
}

// DataPath is the bridge-side surface the session drives. SetActive runs fn
// under the data path's registration lock so state flips observe the lock
// order registration-lock before session-lock.
type DataPath interface {
	SetActive(active bool, fn func())
	// DeliverInbound hands a reconstructed link-layer frame to the host
	// packet path.
	DeliverInbound(pkt []byte)
}

// nopDataPath stands in when no bridge is wired (control-plane only use).
type nopDataPath struct{}

func (nopDataPath) SetActive(_ bool, fn func()) { fn() }
func (nopDataPath) DeliverInbound([]byte)       {}
