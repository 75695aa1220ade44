package chain

import (
	"slices"
	"strings"
)

// Slot names an input a pipeline declares it consumes.
type Slot string

// The closed set of input slots.
const (
	SlotText      Slot = "text"
	SlotKnowledge Slot = "knowledge"
	SlotHistory   Slot = "history"
)

// variablePrefix marks template variables that are filled from input slots.
const variablePrefix = "input_"

// AllSlots lists every known slot.
var AllSlots = []Slot{SlotText, SlotKnowledge, SlotHistory}

// Variable returns the template variable name for the slot, e.g. "input_text".
func (s Slot) Variable() string {
	return variablePrefix + string(s)
}

// IsInputVariable reports whether a template variable name refers to an input slot.
func IsInputVariable(name string) bool {
	return strings.HasPrefix(name, variablePrefix)
}

// ParseSlot maps a template variable ("input_text") or bare slot name ("text")
// to a Slot.
func ParseSlot(name string) (Slot, bool) {
	name = strings.TrimPrefix(name, variablePrefix)
	for _, s := range AllSlots {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// SlotSet is a sorted, duplicate-free list of slots.
type SlotSet []Slot

// NewSlotSet builds a SlotSet from slots in any order.
func NewSlotSet(slots ...Slot) SlotSet {
	out := slices.Clone(slots)
	slices.Sort(out)
	return slices.Compact(out)
}

// Has reports whether s is in the set.
func (ss SlotSet) Has(s Slot) bool {
	_, found := slices.BinarySearch(ss, s)
	return found
}

// Variables returns the template variable names of the set.
func (ss SlotSet) Variables() []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Variable()
	}
	return out
}

// SlotsFromKeys builds a SlotSet from stored input keys such as
// ["input_text", "input_history"]. An unknown key is a *ConfigError.
func SlotsFromKeys(keys []string) (SlotSet, error) {
	slots := make([]Slot, 0, len(keys))
	for _, k := range keys {
		s, ok := ParseSlot(k)
		if !ok {
			return nil, configErrorf("unknown input key: %s", k)
		}
		slots = append(slots, s)
	}
	return NewSlotSet(slots...), nil
}
