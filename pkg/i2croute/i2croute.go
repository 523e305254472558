// Package i2croute models the I2C routing table exposed through the VM's
// reserved shared functions 1..3 (get_routes, add_route, remove_route).
// Each route binds a bus/address pair to one or more (machine, function)
// targets that should be invoked when traffic arrives for that address.
// Addresses are modeled with periph.io/x/conn/v3/i2c.Addr rather than a
// bare integer, the same vocabulary periph's own device drivers use for
// a 7-bit I2C address.
package i2croute

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/moore/fluxpilot/pkg/word"
)

// ErrMalformedRouteList is returned by DecodeRoutes when the flat word
// list does not match the entry_count/target_count framing get_routes
// defines.
var ErrMalformedRouteList = errors.New("i2croute: malformed route list")

// Target is one (machine, function) shared-function destination bound to
// a route.
type Target struct {
	MachineID  uint16
	FunctionID uint16
}

// Route binds a bus and a 7-bit I2C address to its registered targets.
type Route struct {
	Bus     uint16
	Address i2c.Addr
	Targets []Target
}

// DecodeRoutes parses get_routes's flat reply:
//
//	entry_count, (bus_id, address_7bit, target_count, (machine_id, function_id)×target_count)×entry_count
func DecodeRoutes(values []word.StackWord) ([]Route, error) {
	if len(values) == 0 {
		return nil, errors.Wrap(ErrMalformedRouteList, "empty reply")
	}
	pos := 0
	next := func() (word.StackWord, bool) {
		if pos >= len(values) {
			return 0, false
		}
		v := values[pos]
		pos++
		return v, true
	}

	entryCount, ok := next()
	if !ok {
		return nil, errors.Wrap(ErrMalformedRouteList, "missing entry_count")
	}

	routes := make([]Route, 0, entryCount)
	for e := word.StackWord(0); e < entryCount; e++ {
		busID, ok := next()
		if !ok {
			return nil, errors.Wrapf(ErrMalformedRouteList, "entry %d: missing bus_id", e)
		}
		addr, ok := next()
		if !ok {
			return nil, errors.Wrapf(ErrMalformedRouteList, "entry %d: missing address", e)
		}
		targetCount, ok := next()
		if !ok {
			return nil, errors.Wrapf(ErrMalformedRouteList, "entry %d: missing target_count", e)
		}

		targets := make([]Target, 0, targetCount)
		for tgt := word.StackWord(0); tgt < targetCount; tgt++ {
			machineID, ok := next()
			if !ok {
				return nil, errors.Wrapf(ErrMalformedRouteList, "entry %d target %d: missing machine_id", e, tgt)
			}
			functionID, ok := next()
			if !ok {
				return nil, errors.Wrapf(ErrMalformedRouteList, "entry %d target %d: missing function_id", e, tgt)
			}
			targets = append(targets, Target{MachineID: uint16(machineID), FunctionID: uint16(functionID)})
		}

		routes = append(routes, Route{
			Bus:     uint16(busID),
			Address: i2c.Addr(addr),
			Targets: targets,
		})
	}

	if pos != len(values) {
		return nil, errors.Wrapf(ErrMalformedRouteList, "trailing %d unconsumed words", len(values)-pos)
	}
	return routes, nil
}

// EncodeRoutes flattens routes back into get_routes's wire shape, the
// inverse of DecodeRoutes. Used by tests and by any host-side cache that
// needs to round-trip a route table.
func EncodeRoutes(routes []Route) []word.StackWord {
	out := []word.StackWord{word.StackWord(len(routes))}
	for _, r := range routes {
		out = append(out, word.StackWord(r.Bus), word.StackWord(r.Address), word.StackWord(len(r.Targets)))
		for _, t := range r.Targets {
			out = append(out, word.StackWord(t.MachineID), word.StackWord(t.FunctionID))
		}
	}
	return out
}

// AddRouteArgs flattens a single route binding into add_route/remove_route's
// four-word argument list: bus_id, address_7bit, machine_id, function_id.
// Route tables with more than one target are added one call per target.
func AddRouteArgs(bus uint16, addr i2c.Addr, target Target) []word.StackWord {
	return []word.StackWord{
		word.StackWord(bus),
		word.StackWord(addr),
		word.StackWord(target.MachineID),
		word.StackWord(target.FunctionID),
	}
}
