package node

import (
	"fmt"
	"time"
)

// ProvisionState enumerates the provisioning lifecycle states a node moves
// through. Transitions between them are owned by the state machine engine;
// the conductor core only ever reads the current state and emits events.
type ProvisionState string

const (
	StateAvailable  ProvisionState = "available"
	StateDeploying  ProvisionState = "deploying"
	StateDeployWait ProvisionState = "deploy_wait"
	StateActive     ProvisionState = "active"
	StateDeployFail ProvisionState = "deploy_failed"
	StateCleaning   ProvisionState = "cleaning"
	StateCleanWait  ProvisionState = "clean_wait"
	StateCleanFail  ProvisionState = "clean_failed"
	StateManageable ProvisionState = "manageable"
	StateRescuing   ProvisionState = "rescuing"
	StateRescueWait ProvisionState = "rescue_wait"
)

// CleanStep is one named, prioritised unit of hardware-cleaning work
// contributed by a hardware-manager plugin on the agent side.
type CleanStep struct {
	Interface       string `json:"interface"`
	Step            string `json:"step"`
	Priority        int    `json:"priority"`
	RebootRequested bool   `json:"reboot_requested,omitempty"`
}

// IsZero reports whether the step is unset.
func (s CleanStep) IsZero() bool {
	return s.Interface == "" && s.Step == ""
}

// Same reports whether two steps identify the same unit of work. Priority is
// ordering metadata and may legitimately change across hardware-manager
// upgrades, so it does not participate in identity.
func (s CleanStep) Same(other CleanStep) bool {
	return s.Interface == other.Interface && s.Step == other.Step
}

func (s CleanStep) String() string {
	if s.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s.%s", s.Interface, s.Step)
}

// Session is the durable per-cycle scratchpad carried across heartbeats.
// The JSON keys preserve the historical names so stored records remain
// readable by operators and older tooling.
type Session struct {
	AgentLastHeartbeat     time.Time              `json:"agent_last_heartbeat,omitempty"`
	AgentURL               string                 `json:"agent_url,omitempty"`
	CachedCleanSteps       map[string][]CleanStep `json:"agent_cached_clean_steps,omitempty"`
	CleanStepsRefreshedAt  time.Time              `json:"agent_cached_clean_steps_refreshed,omitempty"`
	HardwareManagerVersion string                 `json:"hardware_manager_version,omitempty"`
	CleaningReboot         bool                   `json:"cleaning_reboot,omitempty"`
	SkipCurrentCleanStep   bool                   `json:"skip_current_clean_step,omitempty"`
}

// ResetCycle clears the fields scoped to a single deploy or cleaning cycle.
// Liveness bookkeeping (heartbeat timestamp, callback URL) survives because
// the agent keeps heartbeating until it is torn down.
func (s *Session) ResetCycle() {
	s.CachedCleanSteps = nil
	s.CleanStepsRefreshedAt = time.Time{}
	s.HardwareManagerVersion = ""
	s.CleaningReboot = false
	s.SkipCurrentCleanStep = false
}

// ImageInfo describes the instance image the agent writes during deploy.
type ImageInfo struct {
	Source     string `json:"source"`
	Checksum   string `json:"checksum,omitempty"`
	DiskFormat string `json:"disk_format,omitempty"`
}

// Node is the externally owned provisioning record. The conductor mutates it
// only while holding the node's exclusive lock and persists it through a
// Store.
type Node struct {
	ID                   string         `json:"id"`
	ProvisionState       ProvisionState `json:"provision_state"`
	TargetProvisionState ProvisionState `json:"target_provision_state,omitempty"`
	CleanStep            CleanStep      `json:"clean_step,omitempty"`
	Maintenance          bool           `json:"maintenance,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	InstanceImage        ImageInfo      `json:"instance_image,omitempty"`
	Session              Session        `json:"driver_internal_info"`
}

// ManualCleaning reports whether the node is in an operator-triggered manual
// cleaning cycle rather than automated cleaning. Manual cycles target the
// manageable state and their steps are not assumed idempotent across
// reordering.
func (n *Node) ManualCleaning() bool {
	return n.TargetProvisionState == StateManageable
}

// Clone returns a deep copy of the node so stores can hand out snapshots
// without aliasing the cached clean-step slices.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Session.CachedCleanSteps != nil {
		copied := make(map[string][]CleanStep, len(n.Session.CachedCleanSteps))
		for iface, steps := range n.Session.CachedCleanSteps {
			copied[iface] = append([]CleanStep(nil), steps...)
		}
		clone.Session.CachedCleanSteps = copied
	}
	return &clone
}
