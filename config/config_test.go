package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"bringyour.com/statesync/connect"
	"bringyour.com/statesync/state"
)

const testConfig = `
version: "1"
listen: 0.0.0.0:9200
auth_secret: secret
exclusive_client: true
handshake_timeout: 2s
flush_interval: 50ms
blocking_threshold: 4096
protocol:
  min: 2
states:
  - name: counter
    kind: atomic
    access: read_only
  - name: level
    kind: int
    width: 16
    initial: 12
  - name: title
    kind: string
    initial: hello
  - name: mode
    kind: enum
    variants:
      - name: idle
      - name: running
      - name: failed
        discriminant: 10
        payload:
          kind: string
    initial: running
  - name: readings
    kind: graph
    precision: f32
    initial: [1, 2.5, 3]
  - name: items
    kind: list
    initial: [level, title]
  - name: fields
    kind: dict
    initial:
      l: level
signals:
  - name: increment
    returns: true
  - name: notice
    arity: multi
`

func TestParse(t *testing.T) {
	config, err := Parse([]byte(testConfig))
	assert.Equal(t, err, nil)

	assert.Equal(t, "0.0.0.0:9200", config.ListenAddr())
	assert.Equal(t, "/", config.HttpPath())
	assert.Equal(t, 7, len(config.States))
	assert.Equal(t, state.KindAtomic, config.States[0].Kind)
	assert.Equal(t, state.ReadOnly, config.States[0].Access)
	assert.Equal(t, 2*time.Second, config.HandshakeTimeout)

	mode, err := config.States[3].Type()
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(mode.Variants))
	assert.Equal(t, uint32(1), mode.Variants[1].Discriminant)
	assert.Equal(t, uint32(10), mode.Variants[2].Discriminant)
	assert.Equal(t, state.KindString, mode.Variants[2].Payload.Kind)

	settings := config.ServerSettings()
	assert.Equal(t, []byte("secret"), settings.AuthSecret)
	assert.Equal(t, true, settings.ExclusiveClient)
	assert.Equal(t, uint32(2), settings.MinProtocolVersion)
	assert.Equal(t, connect.DefaultServerSettings().MaxProtocolVersion, settings.MaxProtocolVersion)
	assert.Equal(t, 50*time.Millisecond, settings.BroadcasterSettings.FlushInterval)
	assert.Equal(t, connect.ByteCount(4096), settings.BroadcasterSettings.BlockingThreshold)
}

func TestBuild(t *testing.T) {
	config, err := Parse([]byte(testConfig))
	assert.Equal(t, err, nil)

	registry := state.NewRegistry()
	dispatcher := connect.NewDispatcher()
	assert.Equal(t, config.Build(registry, dispatcher), nil)
	assert.Equal(t, 7, registry.Len())

	get := func(name string) state.Value {
		id, ok := registry.Lookup(name)
		assert.Equal(t, true, ok)
		value, _, err := registry.Get(id)
		assert.Equal(t, err, nil)
		return value
	}
	assert.Equal(t, state.Atomic(0), get("counter"))
	assert.Equal(t, state.Int(12), get("level"))
	assert.Equal(t, state.String("hello"), get("title"))
	assert.Equal(t, state.Enum{Discriminant: 1}, get("mode"))
	assert.Equal(t, []float64{1, 2.5, 3}, get("readings").(state.Graph).Y)

	level, _ := registry.Lookup("level")
	title, _ := registry.Lookup("title")
	assert.Equal(t, state.List{level, title}, get("items"))
	assert.Equal(t, state.Dict{"l": level}, get("fields"))

	declaration, ok := dispatcher.Declaration("notice")
	assert.Equal(t, true, ok)
	assert.Equal(t, connect.ArityMulti, declaration.Arity)
	declaration, ok = dispatcher.Declaration("increment")
	assert.Equal(t, true, ok)
	assert.Equal(t, connect.AritySingle, declaration.Arity)
	assert.Equal(t, true, declaration.Returns)

	// the declared schema is independent of the initial values
	other := state.NewRegistry()
	assert.Equal(t, config.Build(other, connect.NewDispatcher()), nil)
	assert.Equal(t, registry.SchemaHash(), other.SchemaHash())
}

func TestBuildErrors(t *testing.T) {
	build := func(text string) error {
		config, err := Parse([]byte(text))
		if err != nil {
			return err
		}
		return config.Build(state.NewRegistry(), connect.NewDispatcher())
	}

	err := build(`
version: "1"
states:
  - name: level
    kind: int
    width: 8
    initial: 1000
`)
	assert.Equal(t, true, errors.Is(err, state.ErrTypeMismatch))

	err = build(`
version: "1"
states:
  - name: items
    kind: list
    initial: [missing]
`)
	assert.Equal(t, true, errors.Is(err, state.ErrUnknownState))

	err = build(`
version: "1"
states:
  - name: mode
    kind: enum
    variants:
      - name: idle
    initial: running
`)
	assert.Equal(t, true, errors.Is(err, state.ErrUnknownVariant))
}

func TestValidate(t *testing.T) {
	for _, text := range []string{
		`version: "2"`,
		// unknown key
		"version: \"1\"\nlisten_addr: x\n",
		"version: \"1\"\nstates:\n  - kind: int\n",
		"version: \"1\"\nstates:\n  - name: a\n    kind: int\n  - name: a\n    kind: bool\n",
		"version: \"1\"\nstates:\n  - name: a\n    kind: number\n",
		"version: \"1\"\nstates:\n  - name: a\n    kind: int\n    width: 12\n",
		"version: \"1\"\nstates:\n  - name: a\n    kind: enum\n",
		"version: \"1\"\nstates:\n  - name: a\n    kind: bool\n    access: hidden\n",
		"version: \"1\"\nsignals:\n  - name: s\n    arity: many\n",
		"version: \"1\"\nprotocol:\n  min: 3\n  max: 2\n",
	} {
		_, err := Parse([]byte(text))
		assert.NotEqual(t, err, nil)
	}

	config, err := Parse([]byte(`version: "1"`))
	assert.Equal(t, err, nil)
	assert.Equal(t, DefaultListen, config.ListenAddr())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesync.yml")
	assert.Equal(t, os.WriteFile(path, []byte(testConfig), 0600), nil)

	config, err := Load(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(config.Signals))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Equal(t, true, errors.Is(err, os.ErrNotExist))
}
