package capability

import "strconv"

// Injector writes the healing-support metadata into one capability map.
type Injector struct {
	// Extension is the base64 companion extension loaded by Chromium
	// browsers at launch. Empty skips extension injection.
	Extension string
	// Options is merged into the selfheal:options marker.
	Options map[string]any
}

// Inject mutates c in place. It reports false, leaving c untouched, when
// the browser family is not recognized. Injecting twice is a no-op.
func (in Injector) Inject(c Capability) bool {
	fam := c.Family()
	if fam == FamilyUnknown {
		return false
	}

	marker, _ := asMap(c[KeyHealOptions])
	if marker == nil {
		marker = make(map[string]any, len(in.Options)+1)
	}
	marker["enabled"] = true
	for k, v := range in.Options {
		marker[k] = v
	}
	c[KeyHealOptions] = marker

	if fam.Chromium() && in.Extension != "" {
		key := KeyChromeOptions
		if fam == FamilyEdge {
			key = KeyEdgeOptions
		}
		opts, _ := asMap(c[key])
		if opts == nil {
			opts = make(map[string]any)
		}
		opts[KeyExtensions] = appendUnique(opts[KeyExtensions], in.Extension)
		c[key] = opts
	}
	return true
}

// Injected reports whether c already carries the marker.
func Injected(c Capability) bool {
	m, ok := asMap(c[KeyHealOptions])
	if !ok {
		return false
	}
	enabled, _ := m["enabled"].(bool)
	return enabled
}

func appendUnique(existing any, ext string) []any {
	var list []any
	switch t := existing.(type) {
	case []any:
		list = t
	case []string:
		list = make([]any, len(t))
		for i, s := range t {
			list[i] = s
		}
	}
	for _, e := range list {
		if s, ok := e.(string); ok && s == ext {
			return list
		}
	}
	return append(list, ext)
}

// Plan describes one augmentation pass over a descriptor.
type Plan struct {
	Injector Injector
	// FirstListEntryOnly restores the legacy behaviour of touching only
	// element 0 of a List descriptor.
	FirstListEntryOnly bool
	// RemoteEligible filters Named entries. Nil accepts every entry.
	RemoteEligible func(name string, r Remote) bool
}

// Result names the entries a Plan touched and skipped. Single entries are
// labelled "", List entries "[i]", Named entries by remote name.
type Result struct {
	Augmented []string
	Skipped   []string
}

func (r *Result) record(label string, ok bool) {
	if ok {
		r.Augmented = append(r.Augmented, label)
	} else {
		r.Skipped = append(r.Skipped, label)
	}
}

// shapeStrategy applies a Plan to one descriptor shape.
type shapeStrategy interface {
	apply(p Plan, d Descriptor, res *Result)
}

var strategies = map[Shape]shapeStrategy{
	ShapeSingle: singleStrategy{},
	ShapeList:   listStrategy{},
	ShapeNamed:  namedStrategy{},
}

// Apply injects into every eligible entry of d in place and returns d
// with the same shape.
func (p Plan) Apply(d Descriptor) (Descriptor, Result) {
	var res Result
	if s, ok := strategies[d.shape]; ok {
		s.apply(p, d, &res)
	}
	return d, res
}

type singleStrategy struct{}

func (singleStrategy) apply(p Plan, d Descriptor, res *Result) {
	if d.single == nil {
		res.record("", false)
		return
	}
	res.record("", p.Injector.Inject(d.single))
}

type listStrategy struct{}

func (listStrategy) apply(p Plan, d Descriptor, res *Result) {
	for i, c := range d.list {
		label := "[" + strconv.Itoa(i) + "]"
		if (p.FirstListEntryOnly && i > 0) || c == nil {
			res.record(label, false)
			continue
		}
		res.record(label, p.Injector.Inject(c))
	}
}

type namedStrategy struct{}

func (namedStrategy) apply(p Plan, d Descriptor, res *Result) {
	for _, name := range d.Names() {
		r := d.named[name]
		if p.RemoteEligible != nil && !p.RemoteEligible(name, *r) {
			res.record(name, false)
			continue
		}
		res.record(name, p.Injector.Inject(r.Capabilities))
	}
}
