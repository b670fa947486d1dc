package api

import (
	"encoding/json"
)

// ─── Core Resources ─────────────────────────────────────────────────────────

// Persona is a simulated user profile scoped to the caller's tenant.
type Persona struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Traits       map[string]any `json:"traits"`
	Tendencies   []string       `json:"tendencies"`
	Participants int            `json:"participants"`
}

// ExperimentType is a category of UX experiment the backend can run.
type ExperimentType struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

// Experiment is a single UX experiment. The backend is inconsistent
// about field names across endpoints, so decoding collapses the
// aliases: title/name, id/experiment_id/uuid, created_at/createdAt.
type Experiment struct {
	ID         string
	Title      string
	Status     string
	URL        string
	Hypothesis string
	Goal       string
	Summary    string
	CreatedAt  string
}

func (e *Experiment) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string `json:"id"`
		ExperimentID string `json:"experiment_id"`
		UUID         string `json:"uuid"`
		Title        string `json:"title"`
		Name         string `json:"name"`
		Status       string `json:"status"`
		URL          string `json:"url"`
		Hypothesis   string `json:"hypothesis"`
		Goal         string `json:"goal"`
		Summary      string `json:"summary"`
		CreatedAt    string `json:"created_at"`
		CreatedAtAlt string `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ID = firstNonEmpty(raw.ID, raw.ExperimentID, raw.UUID)
	e.Title = firstNonEmpty(raw.Title, raw.Name)
	e.Status = raw.Status
	e.URL = raw.URL
	e.Hypothesis = raw.Hypothesis
	e.Goal = raw.Goal
	e.Summary = raw.Summary
	e.CreatedAt = firstNonEmpty(raw.CreatedAt, raw.CreatedAtAlt)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ─── Collection Envelopes ───────────────────────────────────────────────────

// listEnvelope decodes a collection that arrives either as a bare
// JSON array or wrapped in an object under key. An object without the
// key decodes as empty rather than failing.
func listEnvelope[T any](data []byte, key string) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	raw, ok := envelope[key]
	if !ok {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// PersonaList decodes both `[...]` and `{"personas": [...]}`.
type PersonaList []Persona

func (l *PersonaList) UnmarshalJSON(data []byte) error {
	items, err := listEnvelope[Persona](data, "personas")
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// ExperimentList decodes both `[...]` and `{"experiments": [...]}`.
type ExperimentList []Experiment

func (l *ExperimentList) UnmarshalJSON(data []byte) error {
	items, err := listEnvelope[Experiment](data, "experiments")
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// ExperimentTypeList decodes both `[...]` and `{"types": [...]}`.
type ExperimentTypeList []ExperimentType

func (l *ExperimentTypeList) UnmarshalJSON(data []byte) error {
	items, err := listEnvelope[ExperimentType](data, "types")
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// ─── Suggestion ─────────────────────────────────────────────────────────────

// SuggestTypeOption is the slimmed experiment-type record sent to the
// suggestion endpoint. SuccessIndicators and PromptSpecifics are
// always serialized, as null when unset.
type SuggestTypeOption struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Instructions      string  `json:"instructions"`
	SuccessIndicators *string `json:"success_indicators"`
	PromptSpecifics   *string `json:"prompt_specifics"`
}

// SuggestRequest asks the backend to pick an experiment type and, when
// the title is blank, propose one. Key casing is mixed because the
// endpoint's contract is mixed.
type SuggestRequest struct {
	ExperimentTitle          string              `json:"experimentTitle"`
	Hypothesis               string              `json:"hypothesis"`
	Goal                     string              `json:"goal"`
	URL                      string              `json:"url"`
	FrameType                string              `json:"frame_type"`
	Personas                 []Persona           `json:"personas"`
	AvailableExperimentTypes []SuggestTypeOption `json:"availableExperimentTypes"`
}

// SuggestResult carries the backend's picks.
type SuggestResult struct {
	SuggestedExperimentTypeID string `json:"suggested_experiment_type_id"`
	SuggestedTitle            string `json:"suggested_title"`
}

// ─── Creation and Execution ─────────────────────────────────────────────────

// CreateExperimentRequest creates an experiment in Draft status.
// Credentials is serialized as null when no site login is needed.
type CreateExperimentRequest struct {
	Title            string   `json:"title"`
	Hypothesis       string   `json:"hypothesis"`
	Goal             string   `json:"goal"`
	URL              string   `json:"url"`
	ExperimentTypeID string   `json:"experiment_type_id"`
	PersonaIDs       []string `json:"persona_ids"`
	FrameType        string   `json:"frame_type"`
	Status           string   `json:"status"`
	Credentials      *string  `json:"credentials"`
}

// CreateExperimentResult wraps the IDs of the created experiments.
type CreateExperimentResult struct {
	Data []struct {
		ExperimentID string `json:"experiment_id"`
	} `json:"data"`
}

// FirstID returns the first created experiment ID, or "" when the
// backend returned none.
func (r *CreateExperimentResult) FirstID() string {
	if len(r.Data) == 0 {
		return ""
	}
	return r.Data[0].ExperimentID
}

// RunResult reports whether a run kickoff succeeded.
type RunResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Started reports whether the backend accepted the run.
func (r *RunResult) Started() bool { return r.Status == "success" }

// ─── Results ────────────────────────────────────────────────────────────────

// ResultMetrics holds the per-persona numbers. Every field is
// optional; the backend omits whatever a run did not measure.
type ResultMetrics struct {
	CompletionRate  *float64 `json:"completion_rate"`
	Time            *float64 `json:"time"`
	MinInteractions *int     `json:"min_num_interactions"`
	MaxInteractions *int     `json:"max_num_interactions"`
}

// Recommendation decodes both the structured form
// `{"recommendation": "..."}` and a bare string.
type Recommendation struct {
	Text string
}

func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Text = s
		return nil
	}
	var obj struct {
		Recommendation string `json:"recommendation"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Text = obj.Recommendation
	return nil
}

// PersonaResult is one persona's outcome within an experiment run.
// Summary doubles as the journey narrative when results render.
type PersonaResult struct {
	PersonaID       string           `json:"persona_id"`
	Confidence      *float64         `json:"confidence"`
	Summary         string           `json:"summary"`
	Metrics         ResultMetrics    `json:"metrics"`
	Recommendations []Recommendation `json:"recommendations"`
}

// ExperimentResults is the full results payload for one experiment.
type ExperimentResults struct {
	Experiment     Experiment      `json:"experiment"`
	Personas       []Persona       `json:"personas"`
	ExperimentType ExperimentType  `json:"experiment_type"`
	Results        []PersonaResult `json:"results"`
}

// Empty reports whether the backend returned a contentless payload,
// which it does for unknown experiment IDs instead of a 404.
func (r *ExperimentResults) Empty() bool {
	return r.Experiment.ID == "" && r.Experiment.Title == "" &&
		r.Experiment.Status == "" && len(r.Personas) == 0 && len(r.Results) == 0
}
