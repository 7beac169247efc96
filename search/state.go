package search

import "github.com/ggoodman/dropdesk/dropapi"

// Outcome is where the most recent search cycle ended up.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeSearching
	OutcomeResults
	OutcomeEmptyNoAlternatives
	OutcomeEmptyWithAlternatives
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSearching:
		return "searching"
	case OutcomeResults:
		return "results"
	case OutcomeEmptyNoAlternatives:
		return "empty"
	case OutcomeEmptyWithAlternatives:
		return "empty_with_alternatives"
	case OutcomeError:
		return "error"
	default:
		return "idle"
	}
}

// State is a snapshot of the orchestrator. Slices are copies.
type State struct {
	Term         string
	Results      []dropapi.Record
	Alternatives []dropapi.ExistenceEntry
	History      []string // unique, newest first
	Loading      bool
	Error        string
	Outcome      Outcome
}

func (s State) clone() State {
	s.Results = append([]dropapi.Record(nil), s.Results...)
	s.Alternatives = append([]dropapi.ExistenceEntry(nil), s.Alternatives...)
	s.History = append([]string(nil), s.History...)
	return s
}
