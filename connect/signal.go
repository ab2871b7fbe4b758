package connect

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"

	"bringyour.com/statesync/state"
)

type Arity int

const (
	// exactly one handler. a late bind replaces the bound handler
	AritySingle Arity = 0
	// any number of handlers, all run in registration order
	ArityMulti Arity = 1
)

func (self Arity) String() string {
	switch self {
	case ArityMulti:
		return "multi"
	default:
		return "single"
	}
}

func ParseArity(name string) (Arity, error) {
	switch name {
	case "single", "":
		return AritySingle, nil
	case "multi":
		return ArityMulti, nil
	default:
		return AritySingle, fmt.Errorf("Unknown arity: %s", name)
	}
}

// the result is ignored for signals that do not return
type SignalHandler func(ctx context.Context, args []state.Value) (state.Value, error)

type SignalDeclaration struct {
	Name    string
	Arity   Arity
	Returns bool
}

type boundHandler struct {
	key     int
	handler SignalHandler
}

type signal struct {
	SignalDeclaration
	handlers []boundHandler
}

// Dispatcher routes named signals to bound handlers.
// Handlers run on the caller goroutine, outside the dispatcher lock.
type Dispatcher struct {
	stateLock sync.Mutex

	signals map[string]*signal
	// declaration order
	names   []string
	nextKey int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		signals: map[string]*signal{},
		names:   []string{},
	}
}

// Declare is idempotent for an equal declaration.
func (self *Dispatcher) Declare(name string, arity Arity, returns bool) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	declaration := SignalDeclaration{
		Name:    name,
		Arity:   arity,
		Returns: returns,
	}
	if s, ok := self.signals[name]; ok {
		if s.SignalDeclaration != declaration {
			return fmt.Errorf("%w: %s is declared as %s", ErrHandlerConflict, name, s.Arity)
		}
		return nil
	}
	self.signals[name] = &signal{
		SignalDeclaration: declaration,
		handlers:          []boundHandler{},
	}
	self.names = append(self.names, name)
	return nil
}

func (self *Dispatcher) RequireDeclare(name string, arity Arity, returns bool) {
	if err := self.Declare(name, arity, returns); err != nil {
		panic(err)
	}
}

func (self *Dispatcher) Declarations() []SignalDeclaration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	declarations := make([]SignalDeclaration, 0, len(self.names))
	for _, name := range self.names {
		declarations = append(declarations, self.signals[name].SignalDeclaration)
	}
	return declarations
}

func (self *Dispatcher) Declaration(name string) (SignalDeclaration, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.signals[name]
	if !ok {
		return SignalDeclaration{}, false
	}
	return s.SignalDeclaration, true
}

// Bind attaches a handler. For a single signal the handler replaces the bound one.
func (self *Dispatcher) Bind(name string, handler SignalHandler) (func(), error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.signals[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	key := self.add(s, handler, s.Arity == AritySingle)
	return func() {
		self.unbind(name, key)
	}, nil
}

// BindAll appends every handler without replacing, for either arity.
// A single signal with more than one handler fails on invoke with `ErrHandlerConflict`.
func (self *Dispatcher) BindAll(name string, handlers ...SignalHandler) (func(), error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.signals[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	keys := []int{}
	for _, handler := range handlers {
		keys = append(keys, self.add(s, handler, false))
	}
	return func() {
		for _, key := range keys {
			self.unbind(name, key)
		}
	}, nil
}

func (self *Dispatcher) add(s *signal, handler SignalHandler, replace bool) int {
	key := self.nextKey
	self.nextKey += 1
	handlers := []boundHandler{}
	if !replace {
		handlers = slices.Clone(s.handlers)
	}
	s.handlers = append(handlers, boundHandler{
		key:     key,
		handler: handler,
	})
	return key
}

func (self *Dispatcher) unbind(name string, key int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.signals[name]
	if !ok {
		return
	}
	s.handlers = slices.DeleteFunc(slices.Clone(s.handlers), func(h boundHandler) bool {
		return h.key == key
	})
}

func (self *Dispatcher) HandlerCount(name string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if s, ok := self.signals[name]; ok {
		return len(s.handlers)
	}
	return 0
}

// Invoke runs the bound handlers.
// A returning single signal yields exactly one result. A returning multi signal yields one
// result per handler in registration order. Signals that do not return yield no results.
func (self *Dispatcher) Invoke(ctx context.Context, name string, args []state.Value) ([]state.Value, error) {
	self.stateLock.Lock()
	s, ok := self.signals[name]
	var declaration SignalDeclaration
	var handlers []boundHandler
	if ok {
		declaration = s.SignalDeclaration
		handlers = s.handlers
	}
	self.stateLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}

	if declaration.Arity == AritySingle {
		switch len(handlers) {
		case 0:
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, name)
		case 1:
		default:
			return nil, fmt.Errorf("%w: %d handlers bound to single %s", ErrHandlerConflict, len(handlers), name)
		}
	}

	results := []state.Value{}
	for _, h := range handlers {
		result, err := self.call(ctx, name, h.handler, args)
		if err != nil {
			return nil, err
		}
		if declaration.Returns {
			if result == nil {
				return nil, fmt.Errorf("%w: %s returned no result", ErrHandlerFailed, name)
			}
			results = append(results, result)
		}
	}
	return results, nil
}

func (self *Dispatcher) call(
	ctx context.Context,
	name string,
	handler SignalHandler,
	args []state.Value,
) (result state.Value, returnErr error) {
	HandleError(func() {
		result, returnErr = handler(ctx, args)
		if returnErr != nil {
			glog.V(1).Infof("[d]%s handler error = %s\n", name, returnErr)
			returnErr = fmt.Errorf("%w: %w", ErrHandlerFailed, returnErr)
		}
	}, func(err error) {
		result = nil
		returnErr = fmt.Errorf("%w: %s panicked: %s", ErrHandlerFailed, name, err)
	})
	return
}
