// Package scenario holds timed command scripts and the tick state machine
// that replays them.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/e7canasta/flame-avsim/internal/mapi"
)

var (
	// ErrEmpty is returned when a document contains no events.
	ErrEmpty = errors.New("scenario has no events")
	// ErrNoScenario is returned by Run when nothing is loaded.
	ErrNoScenario = errors.New("no scenario loaded")
)

// Round1 rounds x to one decimal. Offsets and tick indices are compared
// only after passing through it.
//
// Rounding is done on the exact binary value with ties to even, the way
// the scenario files were authored against: 0.25 gives 0.2, 0.75 gives 0.8,
// 0.35 (stored just below) gives 0.3.
func Round1(x float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 1, 64), 64)
	if err != nil {
		return x
	}
	return r
}

// Event is one command to publish.
type Event struct {
	Topic   mapi.Topic
	Message string
}

// Payload returns the message with single quotes turned into double quotes,
// so scenario authors can write JSON inside a JSON string without escaping.
func (e Event) Payload() []byte {
	return []byte(strings.ReplaceAll(e.Message, "'", `"`))
}

// Row is one scenario line as written in the document.
type Row struct {
	Time    float64
	Topic   mapi.Topic
	Message string
}

// Key is the table key the row fires at.
func (r Row) Key() float64 { return Round1(r.Time) }

// Scenario is an immutable, validated script.
type Scenario struct {
	rows  []Row
	table map[float64][]Event
	keys  []float64
	end   float64
}

// New builds a scenario from rows. Rows whose offsets round to the same key
// are merged in document order.
func New(rows []Row) (*Scenario, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	s := &Scenario{
		rows:  append([]Row(nil), rows...),
		table: make(map[float64][]Event),
	}
	for i, r := range rows {
		if r.Time < 0 || math.IsNaN(r.Time) || math.IsInf(r.Time, 0) {
			return nil, fmt.Errorf("row %d: invalid time %v", i, r.Time)
		}
		if r.Topic == "" {
			return nil, fmt.Errorf("row %d: mapi is required", i)
		}
		key := r.Key()
		if _, ok := s.table[key]; !ok {
			s.keys = append(s.keys, key)
		}
		s.table[key] = append(s.table[key], Event{Topic: r.Topic, Message: r.Message})
	}
	sort.Float64s(s.keys)
	s.end = s.keys[len(s.keys)-1]
	return s, nil
}

// EndTime is the largest event key.
func (s *Scenario) EndTime() float64 { return s.end }

// Rows returns the rows in document order.
func (s *Scenario) Rows() []Row { return append([]Row(nil), s.rows...) }

// Keys returns the table keys in ascending order.
func (s *Scenario) Keys() []float64 { return append([]float64(nil), s.keys...) }

// Events returns the events due at key.
func (s *Scenario) Events(key float64) []Event {
	return s.table[Round1(key)]
}

// Table returns a copy of the event table.
func (s *Scenario) Table() map[float64][]Event {
	out := make(map[float64][]Event, len(s.table))
	for k, v := range s.table {
		out[k] = append([]Event(nil), v...)
	}
	return out
}

// Len is the number of events.
func (s *Scenario) Len() int { return len(s.rows) }

// Document is the on-disk JSON form.
type Document struct {
	Scenario []DocumentStep `json:"scenario"`
}

// DocumentStep groups the events of one offset.
type DocumentStep struct {
	Time  float64         `json:"time"`
	Event []DocumentEvent `json:"event"`
}

// DocumentEvent is one command line.
type DocumentEvent struct {
	MAPI    string `json:"mapi"`
	Message string `json:"message"`
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument validates doc.
func FromDocument(doc Document) (*Scenario, error) {
	var rows []Row
	for _, step := range doc.Scenario {
		for _, ev := range step.Event {
			rows = append(rows, Row{Time: step.Time, Topic: mapi.Topic(ev.MAPI), Message: ev.Message})
		}
	}
	return New(rows)
}

// Document converts the scenario back to its file form. Consecutive rows
// sharing an offset share a step.
func (s *Scenario) Document() Document {
	var doc Document
	for _, r := range s.rows {
		n := len(doc.Scenario)
		if n == 0 || doc.Scenario[n-1].Time != r.Time {
			doc.Scenario = append(doc.Scenario, DocumentStep{Time: r.Time})
			n++
		}
		doc.Scenario[n-1].Event = append(doc.Scenario[n-1].Event, DocumentEvent{
			MAPI:    string(r.Topic),
			Message: r.Message,
		})
	}
	return doc
}

// Marshal encodes the scenario as indented JSON.
func (s *Scenario) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s.Document(), "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode scenario: %w", err)
	}
	return append(data, '\n'), nil
}
