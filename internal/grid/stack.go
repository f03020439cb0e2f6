package grid

import "sort"

// Stack is a named set of attribute layers sharing one geometry, such as the
// rasterised stand age, height and crown closure of a region. Categorical
// layers (ecological subzone) store numeric codes; the code table maps the
// label used in rule configuration to the stored value.
type Stack struct {
	geom   Geometry
	layers map[string]*Grid[float64]
	codes  map[string]map[string]float64
}

// NewStack returns an empty stack for geom.
func NewStack(geom Geometry) *Stack {
	return &Stack{
		geom:   geom,
		layers: make(map[string]*Grid[float64]),
		codes:  make(map[string]map[string]float64),
	}
}

// Geometry returns the shared geometry of the stack's layers.
func (s *Stack) Geometry() Geometry { return s.geom }

// Add registers layer under name. Layers must match the stack geometry.
func (s *Stack) Add(name string, layer *Grid[float64]) error {
	if err := s.geom.Check(layer.Geometry()); err != nil {
		return err
	}
	s.layers[name] = layer
	return nil
}

// SetCodes attaches a label -> value table to a categorical layer.
func (s *Stack) SetCodes(name string, codes map[string]float64) {
	s.codes[name] = codes
}

// Code resolves a categorical label for layer.
func (s *Stack) Code(layer, label string) (float64, bool) {
	table, ok := s.codes[layer]
	if !ok {
		return 0, false
	}
	v, ok := table[label]
	return v, ok
}

// Has reports whether the stack carries a layer called name.
func (s *Stack) Has(name string) bool {
	_, ok := s.layers[name]
	return ok
}

// Layer returns the named layer or a DataError when it is missing.
func (s *Stack) Layer(name string) (*Grid[float64], error) {
	l, ok := s.layers[name]
	if !ok {
		return nil, &DataError{Layer: name, Reason: "missing from input stack"}
	}
	return l, nil
}

// Names returns the layer names in sorted order.
func (s *Stack) Names() []string {
	names := make([]string, 0, len(s.layers))
	for n := range s.layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
