// Package scenario loads, validates, caches and hot-reloads scenario definitions.
package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	// ErrScenarioNotFound is returned by Store.Load for unknown, retired and malformed scenarios alike.
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrInvalidScenario wraps validation failures of a scenario document.
	ErrInvalidScenario = errors.New("invalid scenario")
)

// Parse decodes a YAML scenario document, normalizes action and filter names and validates it.
func Parse(data []byte) (*models.Scenario, error) {
	var raw models.Scenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := normalize(&raw); err != nil {
		return nil, err
	}
	if err := Validate(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

func normalize(s *models.Scenario) error {
	for stateKey, st := range s.States {
		for i := range st.OnEntry {
			if err := normalizeAction(&st.OnEntry[i], stateKey); err != nil {
				return err
			}
		}
		for h := range st.InputHandlers {
			handler := &st.InputHandlers[h]
			for f := range handler.Filters {
				handler.Filters[f].Kind = models.NormalizeFilterKind(string(handler.Filters[f].Kind))
			}
			for i := range handler.Actions {
				if err := normalizeAction(&handler.Actions[i], stateKey); err != nil {
					return err
				}
			}
		}
		s.States[stateKey] = st
	}
	return nil
}

func normalizeAction(a *models.ActionSpec, stateKey string) error {
	t, ok := models.NormalizeActionType(string(a.Type))
	if !ok {
		return fmt.Errorf("%w: state %q: unknown action %q", ErrInvalidScenario, stateKey, a.Type)
	}
	a.Type = t
	return nil
}

// Validate checks the structural rules of a scenario.
func Validate(s *models.Scenario) error {
	var problems []string
	if strings.TrimSpace(s.Key) == "" {
		problems = append(problems, "scenario_key is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(s.EntryState) == "" {
		problems = append(problems, "entry_state is required")
	}
	if len(s.States) == 0 {
		problems = append(problems, "states must not be empty")
	} else if s.EntryState != "" {
		if _, ok := s.States[s.EntryState]; !ok {
			problems = append(problems, fmt.Sprintf("entry_state %q is not defined in states", s.EntryState))
		}
	}

	for stateKey, st := range s.States {
		problems = append(problems, checkActions(s, stateKey, "on_entry", st.OnEntry)...)
		for i, h := range st.InputHandlers {
			problems = append(problems, checkActions(s, stateKey, fmt.Sprintf("input_handlers[%d]", i), h.Actions)...)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, strings.Join(problems, "; "))
	}
	return nil
}

func checkActions(s *models.Scenario, stateKey, where string, actions []models.ActionSpec) []string {
	var problems []string
	for i, a := range actions {
		if _, ok := models.NormalizeActionType(string(a.Type)); !ok {
			problems = append(problems, fmt.Sprintf("state %q %s[%d]: unknown action %q", stateKey, where, i, a.Type))
			continue
		}
		if a.Type != models.ActionTransitionTo {
			continue
		}
		next, _ := a.Params["next_state"].(string)
		switch {
		case next == "":
			problems = append(problems, fmt.Sprintf("state %q %s[%d]: transition_to requires next_state", stateKey, where, i))
		case !strings.Contains(next, "{"):
			if _, ok := s.States[next]; !ok {
				problems = append(problems, fmt.Sprintf("state %q %s[%d]: transition_to targets unknown state %q", stateKey, where, i, next))
			}
		}
	}
	return problems
}
