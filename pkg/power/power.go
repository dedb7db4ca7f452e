// Package power models the out-of-band hardware collaborators the conductor
// drives while sequencing reboots: power actions, boot device selection and
// network flips. Vendor protocols stay out of scope; implementations wrap
// whatever tooling the operator supplies.
package power

import "context"

// Target names an out-of-band power action.
type Target string

const (
	TargetOn      Target = "on"
	TargetOff     Target = "off"
	TargetSoftOff Target = "soft_off"
	TargetReboot  Target = "reboot"
)

// BootDevice names where the node should boot from next.
type BootDevice string

const (
	DevicePXE  BootDevice = "pxe"
	DeviceDisk BootDevice = "disk"
)

// Manager issues power actions against a node's management controller.
type Manager interface {
	Action(ctx context.Context, nodeID string, target Target) error
}

// BootManager selects the node's boot device.
type BootManager interface {
	SetBootDevice(ctx context.Context, nodeID string, device BootDevice, persistent bool) error
}

// NetworkManager switches a node between the provisioning network and its
// tenant networks.
type NetworkManager interface {
	RemoveProvisioningNetwork(ctx context.Context, nodeID string) error
	ConfigureTenantNetworks(ctx context.Context, nodeID string) error
}
