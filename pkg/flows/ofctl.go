package flows

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// OfctlConfig configures the ovs-ofctl backed switch.
type OfctlConfig struct {
	// Path to the ovs-ofctl binary.
	Path string

	// Protocol passed with -O.
	Protocol string

	// Timeout bounds every invocation.
	Timeout time.Duration
}

// DefaultOfctlConfig returns the default ovs-ofctl configuration.
func DefaultOfctlConfig() OfctlConfig {
	return OfctlConfig{
		Path:     "ovs-ofctl",
		Protocol: "OpenFlow14",
		Timeout:  5 * time.Second,
	}
}

// OfctlSwitch programs an Open vSwitch bridge through ovs-ofctl.
type OfctlSwitch struct {
	config OfctlConfig
	logger *zap.Logger

	// run executes one command; replaced in tests.
	run func(ctx context.Context, name string, args ...string) (string, error)
}

// NewOfctlSwitch creates a switch that shells out to ovs-ofctl.
func NewOfctlSwitch(config OfctlConfig, logger *zap.Logger) *OfctlSwitch {
	if config.Path == "" {
		config.Path = "ovs-ofctl"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &OfctlSwitch{
		config: config,
		logger: logger,
		run:    runCommand,
	}
}

// Install runs add-flow for rule.
func (s *OfctlSwitch) Install(dp *Datapath, rule Rule) error {
	if dp == nil {
		return ErrNotConnected
	}
	return s.ofctl("add-flow", dp.Bridge, rule.String())
}

// Delete runs a non-strict del-flows for the deletion's table and match.
func (s *OfctlSwitch) Delete(dp *Datapath, del Deletion) error {
	if dp == nil {
		return ErrNotConnected
	}
	return s.ofctl("del-flows", dp.Bridge, del.String())
}

// DeleteAll removes every flow of table.
func (s *OfctlSwitch) DeleteAll(dp *Datapath, table TableID) error {
	if dp == nil {
		return ErrNotConnected
	}
	return s.ofctl("del-flows", dp.Bridge, fmt.Sprintf("table=%d", table))
}

// SendPacket injects data with a packet-out to port.
func (s *OfctlSwitch) SendPacket(dp *Datapath, port uint32, data []byte) error {
	if dp == nil {
		return ErrNotConnected
	}
	return s.ofctl("packet-out", dp.Bridge, "CONTROLLER", Output{Port: port}.String(), hex.EncodeToString(data))
}

func (s *OfctlSwitch) ofctl(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	if s.config.Protocol != "" {
		args = append([]string{"-O", s.config.Protocol}, args...)
	}

	s.logger.Debug("Running ovs-ofctl", zap.Strings("args", args))

	if _, err := s.run(ctx, s.config.Path, args...); err != nil {
		return err
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s error: %w, stderr: %s", name, err, stderr.String())
	}

	return stdout.String(), nil
}
