package keymap

import (
	"regexp"
	"strings"
)

// Binding is one entry of a layer's binding list.
//
// The concrete types form a closed union: Simple, HoldTap, LayerTap, Macro,
// Transparent, None, LayerSwitch and Behavior.
type Binding interface {
	// String renders the binding in canonical keymap syntax.
	String() string
	binding()
}

// Simple is a plain key press (`&kp A`).
type Simple struct {
	Code string
}

// HoldTap sends Hold while held and Tap when tapped (`&mt LSHIFT A`).
type HoldTap struct {
	Behavior string
	Hold     string
	Tap      string
}

// LayerTap activates Layer while held and sends Code when tapped (`&lt 1 SPACE`).
type LayerTap struct {
	Layer string
	Code  string
}

// Macro invokes a macro behavior defined in the keymap.
type Macro struct {
	Name   string
	Params []string
}

// Transparent falls through to the next active layer (`&trans`).
type Transparent struct{}

// None does nothing (`&none`).
type None struct{}

// LayerSwitch changes the active layer (`&mo 1`, `&to 2`, `&tog 1`, `&sl 1`).
type LayerSwitch struct {
	Behavior string
	Layer    string
}

// Behavior is any other behavior with its raw parameters.
type Behavior struct {
	Name   string
	Params []string
}

func (Simple) binding()      {}
func (HoldTap) binding()     {}
func (LayerTap) binding()    {}
func (Macro) binding()       {}
func (Transparent) binding() {}
func (None) binding()        {}
func (LayerSwitch) binding() {}
func (Behavior) binding()    {}

func (b Simple) String() string      { return "&kp " + b.Code }
func (b HoldTap) String() string     { return "&" + b.Behavior + " " + b.Hold + " " + b.Tap }
func (b LayerTap) String() string    { return "&lt " + b.Layer + " " + b.Code }
func (b Macro) String() string       { return joinBinding(b.Name, b.Params) }
func (Transparent) String() string   { return "&trans" }
func (None) String() string          { return "&none" }
func (b LayerSwitch) String() string { return "&" + b.Behavior + " " + b.Layer }
func (b Behavior) String() string    { return joinBinding(b.Name, b.Params) }

func joinBinding(name string, params []string) string {
	if len(params) == 0 {
		return "&" + name
	}
	return "&" + name + " " + strings.Join(params, " ")
}

// behaviorKinds records behaviors the keymap itself defines.
type behaviorKinds struct {
	holdTaps map[string]bool
	macros   map[string]bool
}

func newBehaviorKinds() behaviorKinds {
	return behaviorKinds{holdTaps: map[string]bool{}, macros: map[string]bool{}}
}

func collectBehaviorKinds(root *node) behaviorKinds {
	kinds := newBehaviorKinds()
	root.walk(func(n *node) {
		compat := n.compatible()
		switch {
		case compat == "zmk,behavior-hold-tap":
			kinds.holdTaps[n.ref()] = true
		case strings.HasPrefix(compat, "zmk,behavior-macro"):
			kinds.macros[n.ref()] = true
		}
	})
	return kinds
}

var layerSwitches = map[string]bool{"mo": true, "to": true, "tog": true, "sl": true}

// ParseBinding classifies a raw binding such as "&mt LSHIFT A".
func ParseBinding(raw string) Binding {
	return parseBinding(raw, newBehaviorKinds())
}

func parseBinding(raw string, kinds behaviorKinds) Binding {
	fields := splitParams(raw)
	if len(fields) == 0 {
		return None{}
	}
	name := strings.TrimPrefix(fields[0], "&")
	params := fields[1:]
	switch {
	case name == "kp" && len(params) == 1:
		return Simple{Code: params[0]}
	case name == "trans":
		return Transparent{}
	case name == "none":
		return None{}
	case name == "lt" && len(params) == 2:
		return LayerTap{Layer: params[0], Code: params[1]}
	case (name == "mt" || kinds.holdTaps[name]) && len(params) == 2:
		return HoldTap{Behavior: name, Hold: params[0], Tap: params[1]}
	case kinds.macros[name]:
		return Macro{Name: name, Params: params}
	case layerSwitches[name] && len(params) == 1:
		return LayerSwitch{Behavior: name, Layer: params[0]}
	default:
		return Behavior{Name: name, Params: params}
	}
}

// splitParams splits on whitespace, keeping parenthesised groups together.
func splitParams(s string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && depth == 0:
			flush()
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			// whitespace inside a modifier call
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

var (
	keyCodePattern  = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	modifierPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*\((.+)\)$`)
)

// baseKeyCode unwraps modifier functions: LC(LS(TAB)) -> TAB.
func baseKeyCode(code string) (base string, wrapped, ok bool) {
	for {
		m := modifierPattern.FindStringSubmatch(code)
		if m == nil {
			break
		}
		code = m[1]
		wrapped = true
	}
	if !keyCodePattern.MatchString(code) {
		return "", wrapped, false
	}
	return code, wrapped, true
}

// Label projects a binding onto its display label. Composite is set when the
// label was taken from inside a hold-tap, layer-tap, modifier or other wrapper.
func Label(b Binding) (label string, composite bool) {
	switch v := b.(type) {
	case Simple:
		base, wrapped, ok := baseKeyCode(v.Code)
		if !ok {
			return v.Code, false
		}
		return base, wrapped
	case HoldTap:
		if base, _, ok := baseKeyCode(v.Tap); ok {
			return base, true
		}
		return v.Behavior, false
	case LayerTap:
		if base, _, ok := baseKeyCode(v.Code); ok {
			return base, true
		}
		return "lt", false
	case Macro:
		return v.Name, false
	case Transparent:
		return "trans", false
	case None:
		return "none", false
	case LayerSwitch:
		return v.Behavior, false
	case Behavior:
		for _, p := range v.Params {
			if base, _, ok := baseKeyCode(p); ok {
				return base, true
			}
		}
		return v.Name, false
	default:
		return "", false
	}
}
