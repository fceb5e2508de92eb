package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Shape tags a Descriptor.
type Shape int

const (
	ShapeSingle Shape = iota
	ShapeList
	ShapeNamed
)

func (s Shape) String() string {
	switch s {
	case ShapeSingle:
		return "single"
	case ShapeList:
		return "list"
	case ShapeNamed:
		return "named"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// Remote is one named entry of a multi-remote descriptor. Extra keeps
// connection fields (port, path, protocol, user, key) verbatim.
type Remote struct {
	Hostname     string
	Capabilities Capability
	Extra        map[string]any
}

// Descriptor is a tagged union over the three capability shapes.
// The zero value is an empty Single descriptor.
type Descriptor struct {
	shape  Shape
	single Capability
	list   []Capability
	named  map[string]*Remote
}

// Single wraps one capability map.
func Single(c Capability) Descriptor {
	if c == nil {
		c = Capability{}
	}
	return Descriptor{shape: ShapeSingle, single: c}
}

// List wraps an ordered set of capability maps.
func List(cs ...Capability) Descriptor {
	return Descriptor{shape: ShapeList, list: cs}
}

// Named wraps a multi-remote mapping.
func Named(remotes map[string]Remote) Descriptor {
	m := make(map[string]*Remote, len(remotes))
	for name, r := range remotes {
		if r.Capabilities == nil {
			r.Capabilities = Capability{}
		}
		m[name] = &r
	}
	return Descriptor{shape: ShapeNamed, named: m}
}

func (d Descriptor) Shape() Shape { return d.shape }

// SingleCap returns the capability of a Single descriptor, nil otherwise.
func (d Descriptor) SingleCap() Capability {
	if d.shape != ShapeSingle {
		return nil
	}
	if d.single == nil {
		return Capability{}
	}
	return d.single
}

// ListCaps returns the entries of a List descriptor, nil otherwise.
func (d Descriptor) ListCaps() []Capability {
	if d.shape != ShapeList {
		return nil
	}
	return d.list
}

// Names returns the remote names of a Named descriptor in sorted order.
func (d Descriptor) Names() []string {
	names := make([]string, 0, len(d.named))
	for n := range d.named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Remote returns the named remote. The returned pointer aliases the
// descriptor: mutating its Capabilities mutates d.
func (d Descriptor) Remote(name string) (*Remote, bool) {
	r, ok := d.named[name]
	return r, ok
}

// Len is the number of capability entries.
func (d Descriptor) Len() int {
	switch d.shape {
	case ShapeList:
		return len(d.list)
	case ShapeNamed:
		return len(d.named)
	}
	return 1
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{shape: d.shape}
	switch d.shape {
	case ShapeSingle:
		out.single = d.single.Clone()
	case ShapeList:
		out.list = make([]Capability, len(d.list))
		for i, c := range d.list {
			out.list[i] = c.Clone()
		}
	case ShapeNamed:
		out.named = make(map[string]*Remote, len(d.named))
		for n, r := range d.named {
			cp := Remote{Hostname: r.Hostname, Capabilities: r.Capabilities.Clone()}
			if r.Extra != nil {
				cp.Extra = map[string]any(Capability(r.Extra).Clone())
			}
			out.named[n] = &cp
		}
	}
	return out
}

// Parse decodes a descriptor, sniffing its shape: a JSON array is a List,
// an object whose every value is an object carrying "capabilities" is a
// Named mapping, anything else is a Single capability map.
func Parse(data []byte) (Descriptor, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Descriptor{}, fmt.Errorf("capability: parse: empty input")
	}

	if trimmed[0] == '[' {
		var caps []Capability
		if err := json.Unmarshal(trimmed, &caps); err != nil {
			return Descriptor{}, fmt.Errorf("capability: parse list: %w", err)
		}
		for i := range caps {
			if caps[i] == nil {
				caps[i] = Capability{}
			}
		}
		return List(caps...), nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("capability: parse: %w", err)
	}

	if named, ok := parseNamed(raw); ok {
		return Descriptor{shape: ShapeNamed, named: named}, nil
	}

	var c Capability
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return Descriptor{}, fmt.Errorf("capability: parse single: %w", err)
	}
	return Single(c), nil
}

func parseNamed(raw map[string]json.RawMessage) (map[string]*Remote, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	out := make(map[string]*Remote, len(raw))
	for name, v := range raw {
		var fields map[string]any
		if err := json.Unmarshal(v, &fields); err != nil {
			return nil, false
		}
		capsRaw, ok := fields["capabilities"]
		if !ok {
			return nil, false
		}
		caps, ok := asMap(capsRaw)
		if !ok {
			return nil, false
		}
		r := &Remote{Capabilities: Capability(caps)}
		if h, ok := fields["hostname"].(string); ok {
			r.Hostname = h
		}
		delete(fields, "capabilities")
		delete(fields, "hostname")
		if len(fields) > 0 {
			r.Extra = fields
		}
		out[name] = r
	}
	return out, true
}

// MarshalJSON encodes d in its own shape.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	switch d.shape {
	case ShapeList:
		if d.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(d.list)
	case ShapeNamed:
		out := make(map[string]map[string]any, len(d.named))
		for n, r := range d.named {
			entry := make(map[string]any, len(r.Extra)+2)
			for k, v := range r.Extra {
				entry[k] = v
			}
			if r.Hostname != "" {
				entry["hostname"] = r.Hostname
			}
			entry["capabilities"] = r.Capabilities
			out[n] = entry
		}
		return json.Marshal(out)
	}
	return json.Marshal(d.SingleCap())
}

// UnmarshalJSON is Parse.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
