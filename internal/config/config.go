// Package config provides configuration helpers for the rmi commands:
// environment overrides and the YAML robot cell file.
package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-rmi/pkg/robot"
)

// Defaults.
const (
	DefaultBridgeURL  = "ws://localhost:7400"
	DefaultBridgeAddr = ":7400"
	DefaultLogLevel   = "info"
	DefaultSimDelay   = 50 * time.Millisecond
)

// BridgeURL returns the bridge URL from RMI_BRIDGE.
// Falls back to the provided default if not set.
func BridgeURL(defaultURL string) string {
	if u := os.Getenv("RMI_BRIDGE"); u != "" {
		return u
	}
	return defaultURL
}

// LogLevel returns the log level from RMI_LOG_LEVEL or DefaultLogLevel.
func LogLevel() string {
	if l := os.Getenv("RMI_LOG_LEVEL"); l != "" {
		return l
	}
	return DefaultLogLevel
}

// Robot describes one controller in the cell.
type Robot struct {
	Name string `yaml:"name"`

	// Prefix namespaces the robot's default topics ("" → command_list,
	// "rob2" → rob2/command_list). Ignored when both topics are set.
	Prefix       string `yaml:"prefix,omitempty"`
	CommandTopic string `yaml:"command_topic,omitempty"`
	ResultTopic  string `yaml:"result_topic,omitempty"`

	Joints      int  `yaml:"joints,omitempty"`
	BlockOnRun  bool `yaml:"block_on_run,omitempty"`
	MaxInFlight int  `yaml:"max_in_flight,omitempty"`
}

// Endpoint resolves the robot's topics under the cell prefix.
func (r Robot) Endpoint(cellPrefix string) robot.Endpoint {
	ep := robot.EndpointFor(joinPrefix(cellPrefix, r.Prefix))
	if r.CommandTopic != "" {
		ep.CommandTopic = r.CommandTopic
	}
	if r.ResultTopic != "" {
		ep.ResultTopic = r.ResultTopic
	}
	return ep
}

// Options returns handle options for the robot. Logger and metrics are
// left to the caller.
func (r Robot) Options() robot.Options {
	return robot.Options{
		Joints:      r.Joints,
		BlockOnRun:  r.BlockOnRun,
		MaxInFlight: r.MaxInFlight,
	}
}

// Cell is the robot cell file.
type Cell struct {
	// Bridge is the WebSocket bridge URL used when not simulating.
	Bridge string `yaml:"bridge,omitempty"`

	// Prefix namespaces every robot topic in the cell.
	Prefix string `yaml:"prefix,omitempty"`

	Robots []Robot `yaml:"robots"`
}

// Default returns the two-robot cell the tester has always used: rob1 on
// the bare topics with six axes plus one auxiliary joint, and rob2 under
// the "rob2" prefix with six axes.
func Default() Cell {
	return Cell{
		Bridge: DefaultBridgeURL,
		Robots: []Robot{
			{Name: "rob1", Joints: 7},
			{Name: "rob2", Prefix: "rob2", Joints: 6},
		},
	}
}

// Load reads and validates a cell file. Fields missing from the file keep
// their zero values, except Bridge which defaults to DefaultBridgeURL.
func Load(file string) (Cell, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Cell{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a cell document.
func Parse(data []byte) (Cell, error) {
	var cell Cell
	if err := yaml.Unmarshal(data, &cell); err != nil {
		return Cell{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cell.Bridge == "" {
		cell.Bridge = DefaultBridgeURL
	}
	if err := cell.Validate(); err != nil {
		return Cell{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cell, nil
}

// Validate checks robot names are unique and topics do not collide.
func (c Cell) Validate() error {
	if len(c.Robots) == 0 {
		return fmt.Errorf("at least one robot is required")
	}
	names := make(map[string]bool, len(c.Robots))
	topics := make(map[string]string, 2*len(c.Robots))
	for i, r := range c.Robots {
		if r.Name == "" {
			return fmt.Errorf("robots[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("robots[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true

		if r.Joints < 0 {
			return fmt.Errorf("robot %s: joints must be >= 0, got %d", r.Name, r.Joints)
		}
		if r.MaxInFlight < 0 || r.MaxInFlight > robot.MaxInFlightLimit {
			return fmt.Errorf("robot %s: max_in_flight must be in [0, %d], got %d",
				r.Name, robot.MaxInFlightLimit, r.MaxInFlight)
		}

		ep := r.Endpoint(c.Prefix)
		if ep.CommandTopic == ep.ResultTopic {
			return fmt.Errorf("robot %s: command and result topics are both %q", r.Name, ep.CommandTopic)
		}
		for _, t := range []string{ep.CommandTopic, ep.ResultTopic} {
			if other, ok := topics[t]; ok {
				return fmt.Errorf("robot %s: topic %q already used by %s", r.Name, t, other)
			}
			topics[t] = r.Name
		}
	}
	return nil
}

// Robot returns the named robot.
func (c Cell) Robot(name string) (Robot, bool) {
	for _, r := range c.Robots {
		if r.Name == name {
			return r, true
		}
	}
	return Robot{}, false
}

// Marshal renders the cell as YAML.
func (c Cell) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func joinPrefix(parts ...string) string {
	var keep []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			keep = append(keep, p)
		}
	}
	return path.Join(keep...)
}
