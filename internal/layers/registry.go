package layers

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an unbuilt layer from its serialized config.
type Factory func(config json.RawMessage) (Layer, error)

// Registry resolves serialized class names to layer factories. A graph can
// only be loaded after every class it references has been registered.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds className to f. Registering a class twice is an error.
func (r *Registry) Register(className string, f Factory) error {
	if className == "" || f == nil {
		return fmt.Errorf("layers: register requires a class name and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[className]; ok {
		return fmt.Errorf("layers: class %q already registered", className)
	}
	r.factories[className] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(className string, f Factory) {
	if err := r.Register(className, f); err != nil {
		panic(err)
	}
}

// Has reports whether className is registered.
func (r *Registry) Has(className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[className]
	return ok
}

// Classes returns the registered class names in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the layer described by spec.
func (r *Registry) New(spec Spec) (Layer, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.ClassName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, spec.ClassName)
	}
	l, err := f(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", spec.ClassName, err)
	}
	return l, nil
}

// RegisterBuiltins registers the Normalization layer and the standard layers
// exported classifier graphs are made of.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Factory{
		NormalizationClass:       NewNormalization,
		"InputLayer":             NewInputLayer,
		"Rescaling":              NewRescaling,
		"Conv2D":                 NewConv2D,
		"MaxPooling2D":           NewMaxPooling2D,
		"AveragePooling2D":       NewAveragePooling2D,
		"GlobalAveragePooling2D": NewGlobalAveragePooling2D,
		"BatchNormalization":     NewBatchNormalization,
		"Flatten":                NewFlatten,
		"Dense":                  NewDense,
		"Dropout":                NewDropout,
		"Activation":             NewActivation,
		"ReLU":                   NewReLU,
		"Softmax":                NewSoftmax,
	}
	for name, f := range builtins {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}
