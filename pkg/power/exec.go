package power

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ExecControllerOptions maps each hardware operation to an operator-supplied
// command line. Commands receive the node and operation through MK_* environment
// variables so one wrapper script can serve every action.
type ExecControllerOptions struct {
	PowerCmd                     []string
	BootDeviceCmd                []string
	RemoveProvisioningNetworkCmd []string
	ConfigureTenantNetworksCmd   []string

	Stdout io.Writer
	Stderr io.Writer
}

// ExecController implements Manager, BootManager and NetworkManager by
// shelling out to configured commands.
type ExecController struct {
	opts ExecControllerOptions
}

// NewExecController constructs a controller from the provided command table.
func NewExecController(opts ExecControllerOptions) (*ExecController, error) {
	if len(opts.PowerCmd) == 0 {
		return nil, errors.New("power command must be configured")
	}
	if len(opts.BootDeviceCmd) == 0 {
		return nil, errors.New("boot device command must be configured")
	}
	return &ExecController{opts: opts}, nil
}

// Action implements Manager.
func (c *ExecController) Action(ctx context.Context, nodeID string, target Target) error {
	env := map[string]string{
		"MK_NODE_ID":      nodeID,
		"MK_POWER_TARGET": string(target),
	}
	if err := c.run(ctx, c.opts.PowerCmd, env); err != nil {
		return fmt.Errorf("power %s for node %s: %w", target, nodeID, err)
	}
	return nil
}

// SetBootDevice implements BootManager.
func (c *ExecController) SetBootDevice(ctx context.Context, nodeID string, device BootDevice, persistent bool) error {
	env := map[string]string{
		"MK_NODE_ID":         nodeID,
		"MK_BOOT_DEVICE":     string(device),
		"MK_BOOT_PERSISTENT": strconv.FormatBool(persistent),
	}
	if err := c.run(ctx, c.opts.BootDeviceCmd, env); err != nil {
		return fmt.Errorf("set boot device %s for node %s: %w", device, nodeID, err)
	}
	return nil
}

// RemoveProvisioningNetwork implements NetworkManager.
func (c *ExecController) RemoveProvisioningNetwork(ctx context.Context, nodeID string) error {
	if len(c.opts.RemoveProvisioningNetworkCmd) == 0 {
		return nil
	}
	env := map[string]string{
		"MK_NODE_ID":    nodeID,
		"MK_NETWORK_OP": "remove_provisioning",
	}
	if err := c.run(ctx, c.opts.RemoveProvisioningNetworkCmd, env); err != nil {
		return fmt.Errorf("remove provisioning network for node %s: %w", nodeID, err)
	}
	return nil
}

// ConfigureTenantNetworks implements NetworkManager.
func (c *ExecController) ConfigureTenantNetworks(ctx context.Context, nodeID string) error {
	if len(c.opts.ConfigureTenantNetworksCmd) == 0 {
		return nil
	}
	env := map[string]string{
		"MK_NODE_ID":    nodeID,
		"MK_NETWORK_OP": "configure_tenant",
	}
	if err := c.run(ctx, c.opts.ConfigureTenantNetworksCmd, env); err != nil {
		return fmt.Errorf("configure tenant networks for node %s: %w", nodeID, err)
	}
	return nil
}

func (c *ExecController) run(ctx context.Context, command []string, extraEnv map[string]string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), flattenEnv(extraEnv)...)

	var stderr bytes.Buffer
	if c.opts.Stdout != nil {
		cmd.Stdout = c.opts.Stdout
	}
	if c.opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.opts.Stderr, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	if err := cmd.Run(); err != nil {
		trimmed := strings.TrimSpace(stderr.String())
		if trimmed != "" {
			return fmt.Errorf("run %q: %w: %s", strings.Join(command, " "), err, trimmed)
		}
		return fmt.Errorf("run %q: %w", strings.Join(command, " "), err)
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

var _ Manager = (*ExecController)(nil)
var _ BootManager = (*ExecController)(nil)
var _ NetworkManager = (*ExecController)(nil)
