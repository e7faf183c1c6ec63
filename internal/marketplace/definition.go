package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownMarketplace is returned when a referenced marketplace has no
// definition in the platform document.
var ErrUnknownMarketplace = errors.New("marketplace is not present in the marketplace list")

// ArgSpec describes one argument of a marketplace action.
type ArgSpec struct {
	Name         string
	Required     bool
	DefaultValue string
	ValidValues  []string
}

// ActionSpec describes one action (ship or cancel) of a marketplace.
type ActionSpec struct {
	Type string
	Args []ArgSpec
}

// HasArg reports whether the action carries the given argument, required or
// optional.
func (a ActionSpec) HasArg(name string) bool {
	for _, arg := range a.Args {
		if arg.Name == name {
			return true
		}
	}
	return false
}

// Definition is the immutable behavior contract of one marketplace: how its
// native states map onto canonical ones, which actions it accepts and with
// what arguments, and which carriers it knows.
type Definition struct {
	name         string
	legacyCode   string
	label        string
	states       map[string]string
	actions      map[string]ActionSpec
	carriers     map[string]string
	carrierCodes []string
}

// Name returns the marketplace identifier used in order payloads.
func (d *Definition) Name() string { return d.name }

// Label returns the human readable marketplace name.
func (d *Definition) Label() string { return d.label }

// LegacyCode returns the pre-v3 marketplace code, empty when absent.
func (d *Definition) LegacyCode() string { return d.legacyCode }

// StateFor maps a marketplace-native order state to the canonical state.
// The empty string means the state is unknown to this marketplace.
func (d *Definition) StateFor(marketplaceState string) string {
	return d.states[strings.ToLower(marketplaceState)]
}

// ActionFor returns the action specification for the given type.
func (d *Definition) ActionFor(actionType string) (ActionSpec, bool) {
	spec, ok := d.actions[actionType]
	return spec, ok
}

// SupportsAction reports whether the marketplace accepts the action type.
func (d *Definition) SupportsAction(actionType string) bool {
	_, ok := d.actions[actionType]
	return ok
}

// customCarrierCode is the merchant-side sentinel for a free-form carrier;
// such tracks carry the real carrier name in their title.
const customCarrierCode = "custom"

// MatchCarrier resolves a merchant carrier code or title against the
// marketplace carrier list. Both sides are cleaned (spaces, dashes,
// underscores and dots removed, lowercased). The code is searched first,
// strictly then by containment, against every carrier's key and label; the
// title is tried the same way only when it differs from the code. With no
// match the code comes back unchanged, except the custom sentinel, which
// yields the title.
func (d *Definition) MatchCarrier(code, title string) string {
	if len(d.carrierCodes) > 0 {
		cleanCode := cleanCarrier(code)
		cleanTitle := cleanCarrier(title)
		if key, ok := d.searchCarrier(cleanCode, true); ok {
			return key
		}
		if key, ok := d.searchCarrier(cleanCode, false); ok {
			return key
		}
		if cleanTitle != cleanCode {
			if key, ok := d.searchCarrier(cleanTitle, true); ok {
				return key
			}
			if key, ok := d.searchCarrier(cleanTitle, false); ok {
				return key
			}
		}
	}
	if code == customCarrierCode {
		return title
	}
	return code
}

// searchCarrier scans the carrier list for one search term, comparing the
// cleaned key and, when different, the cleaned label. The last matching
// carrier wins.
func (d *Definition) searchCarrier(search string, strict bool) (string, bool) {
	var result string
	var found bool
	for _, key := range d.carrierCodes {
		keyCleaned := cleanCarrier(key)
		labelCleaned := cleanCarrier(d.carriers[key])
		ok := searchValue(keyCleaned, search, strict)
		if !ok && labelCleaned != keyCleaned {
			ok = searchValue(labelCleaned, search, strict)
		}
		if ok {
			result = key
			found = true
		}
	}
	return result, found
}

func searchValue(pattern, subject string, strict bool) bool {
	if pattern == "" || subject == "" {
		return false
	}
	if strict {
		return pattern == subject
	}
	return strings.Contains(subject, pattern)
}

func cleanCarrier(value string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "_", "", ".", "")
	return strings.ToLower(replacer.Replace(strings.TrimSpace(value)))
}

type argDescription struct {
	DefaultValue string   `json:"default_value"`
	ValidValues  []string `json:"valid_values"`
}

type actionEntry struct {
	Args            []string                  `json:"args"`
	OptionalArgs    []string                  `json:"optional_args"`
	ArgsDescription map[string]argDescription `json:"args_description"`
}

// document mirrors the wire shape of the platform marketplace list.
type document map[string]struct {
	Name       string `json:"name"`
	LegacyCode string `json:"legacy_code"`
	Orders     struct {
		Status   map[string][]string    `json:"status"`
		Actions  map[string]actionEntry `json:"actions"`
		Carriers map[string]struct {
			Label string `json:"label"`
		} `json:"carriers"`
	} `json:"orders"`
}

// Parse decodes the raw marketplace document into typed definitions keyed by
// marketplace name.
func Parse(raw json.RawMessage) (map[string]*Definition, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid marketplace document: %w", err)
	}
	definitions := make(map[string]*Definition, len(doc))
	for name, entry := range doc {
		def := &Definition{
			name:       name,
			legacyCode: entry.LegacyCode,
			label:      entry.Name,
			states:     make(map[string]string),
			actions:    make(map[string]ActionSpec, len(entry.Orders.Actions)),
			carriers:   make(map[string]string, len(entry.Orders.Carriers)),
		}
		for canonical, native := range entry.Orders.Status {
			for _, state := range native {
				def.states[strings.ToLower(state)] = canonical
			}
		}
		for actionType, action := range entry.Orders.Actions {
			spec := ActionSpec{Type: actionType}
			for _, arg := range action.Args {
				spec.Args = append(spec.Args, buildArg(arg, true, action.ArgsDescription))
			}
			for _, arg := range action.OptionalArgs {
				spec.Args = append(spec.Args, buildArg(arg, false, action.ArgsDescription))
			}
			def.actions[actionType] = spec
		}
		for code, carrier := range entry.Orders.Carriers {
			def.carriers[code] = carrier.Label
			def.carrierCodes = append(def.carrierCodes, code)
		}
		sort.Strings(def.carrierCodes)
		definitions[name] = def
	}
	return definitions, nil
}

func buildArg(name string, required bool, descriptions map[string]argDescription) ArgSpec {
	spec := ArgSpec{Name: name, Required: required}
	if desc, ok := descriptions[name]; ok {
		spec.DefaultValue = desc.DefaultValue
		spec.ValidValues = desc.ValidValues
	}
	return spec
}
