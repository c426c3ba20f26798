package configuration

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Pair is a single named entry of a Pairs collection.
type Pair[V any] struct {
	Name  string
	Value V
}

func NewPair[V any](name string, value V) Pair[V] {
	return Pair[V]{Name: name, Value: value}
}

// Pairs is an ordered collection of uniquely named values.
//
// Names and values are kept in parallel slices that only grow or shrink
// together, so Len always equals the number of names and the number of
// values. Copies made by assignment are independent: Append never writes
// into storage another copy can see.
type Pairs[V any] struct {
	names  []string
	values []V
}

// Labels maps label names to label values.
type Labels = Pairs[string]

// MetricsDefinition maps metric names to device twin queries.
type MetricsDefinition = Pairs[string]

// MetricsResult maps metric names to the values computed by the service.
// Values are kept as raw JSON; the client never interprets them.
type MetricsResult = Pairs[json.RawMessage]

// NewPairs builds a collection from parallel name and value slices.
func NewPairs[V any](names []string, values []V) (Pairs[V], error) {
	if len(names) != len(values) {
		return Pairs[V]{}, fmt.Errorf("%w: %d names for %d values", ErrInvalidArgument, len(names), len(values))
	}

	var p Pairs[V]
	for i := range names {
		if err := p.Append(names[i], values[i]); err != nil {
			p.Release()
			return Pairs[V]{}, err
		}
	}
	return p, nil
}

// FromPairs builds a collection keeping the order of pairs.
func FromPairs[V any](pairs ...Pair[V]) (Pairs[V], error) {
	var p Pairs[V]
	for _, pair := range pairs {
		if err := p.Append(pair.Name, pair.Value); err != nil {
			p.Release()
			return Pairs[V]{}, err
		}
	}
	return p, nil
}

// BuildLabelSet builds a label set, rejecting empty or repeated names.
func BuildLabelSet(pairs ...Pair[string]) (Labels, error) {
	labels, err := FromPairs(pairs...)
	if err != nil {
		return Labels{}, fmt.Errorf("labels: %w", err)
	}
	return labels, nil
}

// BuildMetricsDefinition builds a set of named queries. Names must be unique
// and every query must be non-empty.
func BuildMetricsDefinition(pairs ...Pair[string]) (MetricsDefinition, error) {
	metrics, err := FromPairs(pairs...)
	if err != nil {
		return MetricsDefinition{}, fmt.Errorf("metrics: %w", err)
	}
	if err := validateQueries(metrics); err != nil {
		metrics.Release()
		return MetricsDefinition{}, err
	}
	return metrics, nil
}

// Append adds name at the end of the collection.
func (p *Pairs[V]) Append(name string, value V) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}
	if p.find(name) >= 0 {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidArgument, name)
	}
	n := len(p.names)
	p.names = append(p.names[:n:n], name)
	p.values = append(p.values[:n:n], value)
	return nil
}

func (p Pairs[V]) find(name string) int {
	for i, n := range p.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (p Pairs[V]) Len() int {
	return len(p.names)
}

// At returns the i-th entry in insertion order.
func (p Pairs[V]) At(i int) (string, V) {
	return p.names[i], p.values[i]
}

func (p Pairs[V]) Get(name string) (V, bool) {
	i := p.find(name)
	if i < 0 {
		var zero V
		return zero, false
	}
	return p.values[i], true
}

// Names returns a copy of the names in insertion order.
func (p Pairs[V]) Names() []string {
	if len(p.names) == 0 {
		return nil
	}
	names := make([]string, len(p.names))
	copy(names, p.names)
	return names
}

// Range calls fn for every entry in order until fn returns false.
func (p Pairs[V]) Range(fn func(name string, value V) bool) {
	for i := range p.names {
		if !fn(p.names[i], p.values[i]) {
			return
		}
	}
}

// Map returns the entries as a map. Order is lost.
func (p Pairs[V]) Map() map[string]V {
	m := make(map[string]V, len(p.names))
	for i, name := range p.names {
		m[name] = p.values[i]
	}
	return m
}

// Clone returns a collection with its own storage. Values are copied
// shallowly.
func (p Pairs[V]) Clone() Pairs[V] {
	var c Pairs[V]
	for i, name := range p.names {
		_ = c.Append(name, p.values[i])
	}
	return c
}

// Release drops all entries and their backing storage. It is safe to call on
// the zero value and more than once.
func (p *Pairs[V]) Release() {
	p.names = nil
	p.values = nil
}

// consistent reports whether names and values line up and names are unique.
func (p Pairs[V]) consistent() bool {
	if len(p.names) != len(p.values) {
		return false
	}
	for i, name := range p.names {
		if name == "" || p.find(name) != i {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the collection as a JSON object in insertion order.
func (p Pairs[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(p.values[i])
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the order of its members.
// Repeated member names are rejected rather than collapsed.
func (p *Pairs[V]) UnmarshalJSON(data []byte) error {
	p.Release()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: expected object, got %v", ErrSerialization, tok)
	}

	var decoded Pairs[V]
	fail := func(format string, args ...interface{}) error {
		decoded.Release()
		return fmt.Errorf("%w: "+format, append([]interface{}{ErrSerialization}, args...)...)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fail("%v", err)
		}
		name, ok := tok.(string)
		if !ok {
			return fail("unexpected token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fail("member %q: %v", name, err)
		}
		var value V
		if err := json.Unmarshal(raw, &value); err != nil {
			return fail("member %q: %v", name, err)
		}
		if err := decoded.Append(name, value); err != nil {
			return fail("%v", err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return fail("%v", err)
	}

	*p = decoded
	return nil
}
