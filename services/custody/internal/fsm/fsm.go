// Package fsm holds the transition tables of every operation kind. A table
// is plain data: a (state, event) pair either maps to exactly one next state
// or the transition is illegal.
package fsm

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidTransition = errors.New("invalid transition")

type Transition struct {
	From  string
	Event string
	To    string
}

type TransitionError struct {
	Machine string
	From    string
	Event   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", e.Machine, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type Machine struct {
	name      string
	initial   string
	table     map[string]map[string]string
	states    map[string]struct{}
	terminals map[string]struct{}
}

// New builds a machine. States with no outgoing transition are terminal.
// It panics on a table that maps one (state, event) pair to two targets.
func New(name, initial string, transitions []Transition) *Machine {
	m := &Machine{
		name:      name,
		initial:   initial,
		table:     make(map[string]map[string]string),
		states:    map[string]struct{}{initial: {}},
		terminals: make(map[string]struct{}),
	}
	for _, t := range transitions {
		events, ok := m.table[t.From]
		if !ok {
			events = make(map[string]string)
			m.table[t.From] = events
		}
		if prev, dup := events[t.Event]; dup && prev != t.To {
			panic(fmt.Sprintf("fsm %s: %s/%s maps to both %s and %s", name, t.From, t.Event, prev, t.To))
		}
		events[t.Event] = t.To
		m.states[t.From] = struct{}{}
		m.states[t.To] = struct{}{}
	}
	for state := range m.states {
		if len(m.table[state]) == 0 {
			m.terminals[state] = struct{}{}
		}
	}
	return m
}

func (m *Machine) Name() string    { return m.name }
func (m *Machine) Initial() string { return m.initial }

func (m *Machine) Next(from, event string) (string, error) {
	to, ok := m.table[from][event]
	if !ok {
		return "", &TransitionError{Machine: m.name, From: from, Event: event}
	}
	return to, nil
}

func (m *Machine) Can(from, event string) bool {
	_, ok := m.table[from][event]
	return ok
}

func (m *Machine) IsTerminal(state string) bool {
	_, ok := m.terminals[state]
	return ok
}

func (m *Machine) HasState(state string) bool {
	_, ok := m.states[state]
	return ok
}

func (m *Machine) States() []string {
	out := make([]string, 0, len(m.states))
	for s := range m.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Events lists every event name appearing in the table.
func (m *Machine) Events() []string {
	seen := map[string]struct{}{}
	for _, events := range m.table {
		for e := range events {
			seen[e] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
