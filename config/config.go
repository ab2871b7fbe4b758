package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bringyour.com/statesync/connect"
	"bringyour.com/statesync/state"
)

// host process configuration, read from a yaml file
//
//	version: "1"
//	listen: 127.0.0.1:9100
//	auth_secret: change-me
//	states:
//	  - name: counter
//	    kind: atomic
//	    access: read_only
//	  - name: mode
//	    kind: enum
//	    variants:
//	      - name: idle
//	      - name: running
//	signals:
//	  - name: increment
//	    returns: true

const Version = "1"

const DefaultListen = "127.0.0.1:9100"

type ProtocolConfig struct {
	Min uint32 `yaml:"min,omitempty"`
	Max uint32 `yaml:"max,omitempty"`
}

type Config struct {
	Version string `yaml:"version"`
	Listen  string `yaml:"listen,omitempty"`
	// http path of the websocket endpoint
	Path     string          `yaml:"path,omitempty"`
	Protocol *ProtocolConfig `yaml:"protocol,omitempty"`
	// empty disables handshake auth
	AuthSecret      string `yaml:"auth_secret,omitempty"`
	ExclusiveClient bool   `yaml:"exclusive_client,omitempty"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout,omitempty"`
	FlushInterval     time.Duration `yaml:"flush_interval,omitempty"`
	BlockingThreshold int64         `yaml:"blocking_threshold,omitempty"`

	States  []StateConfig  `yaml:"states"`
	Signals []SignalConfig `yaml:"signals,omitempty"`
}

type TypeConfig struct {
	Kind  state.Kind `yaml:"kind"`
	Width uint8      `yaml:"width,omitempty"`
	// graphs only, "f32" or "f64"
	Precision string          `yaml:"precision,omitempty"`
	Variants  []VariantConfig `yaml:"variants,omitempty"`
}

type VariantConfig struct {
	Name string `yaml:"name"`
	// defaults to the position in the list
	Discriminant *uint32     `yaml:"discriminant,omitempty"`
	Payload      *TypeConfig `yaml:"payload,omitempty"`
}

type StateConfig struct {
	Name       string       `yaml:"name"`
	TypeConfig `yaml:",inline"`
	Access     state.Access `yaml:"access,omitempty"`
	// list and dict children are given by state name
	Initial any `yaml:"initial,omitempty"`
}

type SignalConfig struct {
	Name    string `yaml:"name"`
	Arity   string `yaml:"arity,omitempty"`
	Returns bool   `yaml:"returns,omitempty"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Parse decodes and validates a config. Unknown keys are an error.
func Parse(b []byte) (*Config, error) {
	config := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) Validate() error {
	if self.Version != Version {
		return fmt.Errorf("Unsupported config version: %q (expected %q)", self.Version, Version)
	}
	if self.Protocol != nil && self.Protocol.Min != 0 && self.Protocol.Max != 0 && self.Protocol.Max < self.Protocol.Min {
		return fmt.Errorf("Protocol range [%d, %d] is empty", self.Protocol.Min, self.Protocol.Max)
	}
	if self.HandshakeTimeout < 0 || self.FlushInterval < 0 || self.BlockingThreshold < 0 {
		return fmt.Errorf("Timeouts and thresholds must not be negative")
	}

	names := map[string]int{}
	for i, stateConfig := range self.States {
		if stateConfig.Name == "" {
			return fmt.Errorf("states[%d]: name is required", i)
		}
		if j, ok := names[stateConfig.Name]; ok {
			return fmt.Errorf("states[%d]: duplicate name %s (also states[%d])", i, stateConfig.Name, j)
		}
		names[stateConfig.Name] = i
		if _, err := stateConfig.Type(); err != nil {
			return fmt.Errorf("state %s: %w", stateConfig.Name, err)
		}
	}

	signalNames := map[string]bool{}
	for i, signalConfig := range self.Signals {
		if signalConfig.Name == "" {
			return fmt.Errorf("signals[%d]: name is required", i)
		}
		if signalNames[signalConfig.Name] {
			return fmt.Errorf("signals[%d]: duplicate name %s", i, signalConfig.Name)
		}
		signalNames[signalConfig.Name] = true
		if _, err := connect.ParseArity(signalConfig.Arity); err != nil {
			return fmt.Errorf("signal %s: %w", signalConfig.Name, err)
		}
	}
	return nil
}

func (self *TypeConfig) Type() (state.Type, error) {
	t := state.Type{
		Kind:  self.Kind,
		Width: self.Width,
	}
	switch self.Precision {
	case "", "f64":
		t.Precision = state.GraphF64
	case "f32":
		t.Precision = state.GraphF32
	default:
		return state.Type{}, fmt.Errorf("Unknown graph precision: %s", self.Precision)
	}
	for i, variantConfig := range self.Variants {
		variant := state.Variant{
			Discriminant: uint32(i),
			Name:         variantConfig.Name,
		}
		if variantConfig.Discriminant != nil {
			variant.Discriminant = *variantConfig.Discriminant
		}
		if variantConfig.Payload != nil {
			payload, err := variantConfig.Payload.Type()
			if err != nil {
				return state.Type{}, fmt.Errorf("variant %s: %w", variantConfig.Name, err)
			}
			variant.Payload = &payload
		}
		t.Variants = append(t.Variants, variant)
	}
	if err := t.Validate(); err != nil {
		return state.Type{}, err
	}
	return t, nil
}

// Build registers the configured states and declares the configured signals.
// States register in file order, so containers may only reference states listed before them.
func (self *Config) Build(registry *state.Registry, dispatcher *connect.Dispatcher) error {
	for _, stateConfig := range self.States {
		t, err := stateConfig.Type()
		if err != nil {
			return fmt.Errorf("state %s: %w", stateConfig.Name, err)
		}
		var initial state.Value
		if stateConfig.Initial != nil {
			native, err := resolveChildren(registry, t, stateConfig.Initial)
			if err != nil {
				return fmt.Errorf("state %s: %w", stateConfig.Name, err)
			}
			initial, err = state.FromGo(t, native)
			if err != nil {
				return fmt.Errorf("state %s: %w", stateConfig.Name, err)
			}
		}
		_, err = registry.Register(stateConfig.Name, t, initial, state.WithAccess(stateConfig.Access))
		if err != nil {
			return fmt.Errorf("state %s: %w", stateConfig.Name, err)
		}
	}
	for _, signalConfig := range self.Signals {
		arity, err := connect.ParseArity(signalConfig.Arity)
		if err != nil {
			return fmt.Errorf("signal %s: %w", signalConfig.Name, err)
		}
		if err := dispatcher.Declare(signalConfig.Name, arity, signalConfig.Returns); err != nil {
			return fmt.Errorf("signal %s: %w", signalConfig.Name, err)
		}
	}
	return nil
}

// container initial values name their children. blobs may be given as text
func resolveChildren(registry *state.Registry, t state.Type, initial any) (any, error) {
	lookup := func(element any) (state.StateId, error) {
		name, ok := element.(string)
		if !ok {
			return 0, fmt.Errorf("%w: children are state names, got %T", state.ErrTypeMismatch, element)
		}
		id, ok := registry.Lookup(name)
		if !ok {
			return 0, fmt.Errorf("%w: %s", state.ErrUnknownState, name)
		}
		return id, nil
	}

	switch t.Kind {
	case state.KindList:
		elements, ok := initial.([]any)
		if !ok {
			return initial, nil
		}
		list := make([]state.StateId, len(elements))
		for i, element := range elements {
			id, err := lookup(element)
			if err != nil {
				return nil, err
			}
			list[i] = id
		}
		return list, nil
	case state.KindDict:
		elements, ok := initial.(map[string]any)
		if !ok {
			return initial, nil
		}
		dict := make(map[string]state.StateId, len(elements))
		for key, element := range elements {
			id, err := lookup(element)
			if err != nil {
				return nil, err
			}
			dict[key] = id
		}
		return dict, nil
	case state.KindBlob:
		if text, ok := initial.(string); ok {
			return []byte(text), nil
		}
		return initial, nil
	default:
		return initial, nil
	}
}

func (self *Config) ListenAddr() string {
	if self.Listen == "" {
		return DefaultListen
	}
	return self.Listen
}

func (self *Config) HttpPath() string {
	if self.Path == "" {
		return "/"
	}
	return self.Path
}

// ServerSettings applies the configured values over the defaults.
func (self *Config) ServerSettings() *connect.ServerSettings {
	settings := connect.DefaultServerSettings()
	if self.Protocol != nil {
		if self.Protocol.Min != 0 {
			settings.MinProtocolVersion = self.Protocol.Min
		}
		if self.Protocol.Max != 0 {
			settings.MaxProtocolVersion = self.Protocol.Max
		}
	}
	if self.AuthSecret != "" {
		settings.AuthSecret = []byte(self.AuthSecret)
	}
	settings.ExclusiveClient = self.ExclusiveClient
	if 0 < self.HandshakeTimeout {
		settings.HandshakeTimeout = self.HandshakeTimeout
	}
	if 0 < self.FlushInterval {
		settings.BroadcasterSettings.FlushInterval = self.FlushInterval
	}
	if 0 < self.BlockingThreshold {
		settings.BroadcasterSettings.BlockingThreshold = connect.ByteCount(self.BlockingThreshold)
	}
	return settings
}
