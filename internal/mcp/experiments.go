package mcp

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/joinblok/blok-mcp/internal/api"
)

// experimentDraft collects everything needed to create and run one
// experiment.
type experimentDraft struct {
	Title       string
	Hypothesis  string
	Goal        string
	URL         string
	TypeID      string
	PersonaIDs  []string
	FrameType   string
	Credentials *string
}

// handleStartExperiment creates an experiment from explicit fields and
// kicks off its run. Title and type are optional; when either is
// missing the backend's suggestion endpoint fills them in.
func handleStartExperiment(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client, errRes := s.requireSession(ctx, req)
		if errRes != nil {
			return errRes, nil
		}

		hypothesis := strArg(req, "hypothesis")
		goal := strArg(req, "goal")
		rawURL := strArg(req, "url")
		personaIDs := stringSliceArg(req, "persona_ids")

		if hypothesis == "" {
			return mcp.NewToolResultError("hypothesis is required"), nil
		}
		if goal == "" {
			return mcp.NewToolResultError("goal is required"), nil
		}
		if rawURL == "" {
			return mcp.NewToolResultError("url is required"), nil
		}
		if len(personaIDs) == 0 {
			return mcp.NewToolResultError("At least one persona_id is required"), nil
		}

		frameType, _ := req.GetArguments()["frame_type"].(string)
		if frameType == "" {
			frameType = "Desktop"
		}

		credUser := strArg(req, "credential_username")
		credPass := strArg(req, "credential_password")
		var credentials *string
		if credUser != "" || credPass != "" {
			c := fmt.Sprintf("username: %s, password: %s", credUser, credPass)
			credentials = &c
		}

		draft := experimentDraft{
			Title:       strArg(req, "title"),
			Hypothesis:  hypothesis,
			Goal:        goal,
			URL:         normalizeURL(rawURL),
			TypeID:      strArg(req, "experiment_type_id"),
			PersonaIDs:  personaIDs,
			FrameType:   frameType,
			Credentials: credentials,
		}

		s.log.Info().Str("title", draft.Title).Str("url", draft.URL).Msg("starting experiment")

		if draft.TypeID == "" || draft.Title == "" {
			suggestion, err := s.suggestTypeAndTitle(ctx, client, draft)
			if err != nil {
				s.log.Error().Err(err).Msg("suggestion failed")
				return mcp.NewToolResultError("Failed to create experiment: " + err.Error()), nil
			}
			if draft.TypeID == "" {
				draft.TypeID = suggestion.SuggestedExperimentTypeID
				if draft.TypeID == "" {
					return mcp.NewToolResultError("Failed to auto-suggest experiment type"), nil
				}
			}
			if draft.Title == "" {
				draft.Title = suggestion.SuggestedTitle
				if draft.Title == "" {
					return mcp.NewToolResultError("Failed to auto-generate title"), nil
				}
			}
		}

		experimentID, errRes := s.createAndRun(ctx, client, draft)
		if errRes != nil {
			return errRes, nil
		}

		var b strings.Builder
		b.WriteString("Experiment created and started successfully!\n\n")
		fmt.Fprintf(&b, "Experiment ID: %s\n", experimentID)
		fmt.Fprintf(&b, "Title: %s\n", draft.Title)
		fmt.Fprintf(&b, "URL: %s\n", draft.URL)
		fmt.Fprintf(&b, "Personas: %d\n", len(draft.PersonaIDs))
		fmt.Fprintf(&b, "Estimated Runtime: %d minutes\n\n", estimateMinutes(len(draft.PersonaIDs)))
		b.WriteString("Status: Running\n\n")
		b.WriteString("The experiment is now running in the background. You can check results later using:\n")
		fmt.Fprintf(&b, "get_experiment_results(experiment_id=%q)\n\n", experimentID)
		b.WriteString("Or view it in the web interface at:\n")
		b.WriteString(s.experimentLink(experimentID))

		return mcp.NewToolResultText(b.String()), nil
	}
}

// handleCreateFromDescription turns a natural-language test description
// into a full experiment: hypothesis, goal, and title are derived from
// the description, the type always comes from the suggestion endpoint.
func handleCreateFromDescription(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client, errRes := s.requireSession(ctx, req)
		if errRes != nil {
			return errRes, nil
		}

		description := strArg(req, "test_description")
		rawURL := strArg(req, "url")
		personaIDs := stringSliceArg(req, "persona_ids")

		if description == "" {
			return mcp.NewToolResultError("test_description is required"), nil
		}
		if rawURL == "" {
			return mcp.NewToolResultError("url is required"), nil
		}
		if len(personaIDs) == 0 {
			return mcp.NewToolResultError("At least one persona_id is required"), nil
		}

		frameType, _ := req.GetArguments()["frame_type"].(string)
		if frameType == "" {
			frameType = "Desktop"
		}

		var credentials *string
		if raw := strArg(req, "credentials"); raw != "" {
			username, password, ok := strings.Cut(raw, ":")
			if !ok {
				return mcp.NewToolResultError("credentials must be in format 'username:password'"), nil
			}
			c := fmt.Sprintf("username: %s, password: %s", username, password)
			credentials = &c
		}

		draft := experimentDraft{
			Title:       titleFromDescription(description),
			Hypothesis:  fmt.Sprintf("Can users %s?", description),
			Goal:        "Users should " + description,
			URL:         normalizeURL(rawURL),
			PersonaIDs:  personaIDs,
			FrameType:   frameType,
			Credentials: credentials,
		}

		s.log.Info().Str("description", description).Str("url", draft.URL).Msg("creating experiment from description")

		suggestion, err := s.suggestTypeAndTitle(ctx, client, draft)
		if err != nil {
			s.log.Error().Err(err).Msg("suggestion failed")
			return mcp.NewToolResultError("Failed to create experiment: " + err.Error()), nil
		}
		draft.TypeID = suggestion.SuggestedExperimentTypeID
		if draft.TypeID == "" {
			return mcp.NewToolResultError("Failed to determine experiment type"), nil
		}

		experimentID, errRes := s.createAndRun(ctx, client, draft)
		if errRes != nil {
			return errRes, nil
		}

		var b strings.Builder
		b.WriteString("Experiment created and started!\n\n")
		fmt.Fprintf(&b, "Experiment ID: %s\n", experimentID)
		fmt.Fprintf(&b, "Title: %s\n", draft.Title)
		fmt.Fprintf(&b, "Hypothesis: %s\n", draft.Hypothesis)
		fmt.Fprintf(&b, "Goal: %s\n", draft.Goal)
		fmt.Fprintf(&b, "URL: %s\n", draft.URL)
		fmt.Fprintf(&b, "Personas: %d\n", len(draft.PersonaIDs))
		fmt.Fprintf(&b, "Estimated Runtime: %d minutes\n\n", estimateMinutes(len(draft.PersonaIDs)))
		b.WriteString("Status: Running\n\n")
		fmt.Fprintf(&b, "View experiment at: %s", s.experimentLink(experimentID))

		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleListExperiments(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client, errRes := s.requireSession(ctx, req)
		if errRes != nil {
			return errRes, nil
		}

		nameFilter := strings.ToLower(strArg(req, "name_filter"))
		statusFilter := strArg(req, "status_filter")
		limit := intArg(req, "limit", 20)
		if limit > 100 {
			limit = 100
		}

		query := url.Values{"limit": {strconv.Itoa(limit)}}
		if statusFilter != "" {
			query.Set("status", statusFilter)
		}

		s.log.Info().Msg("fetching experiments")
		var experiments api.ExperimentList
		if err := client.Get(ctx, "/experiments", query, &experiments); err != nil {
			s.log.Error().Err(err).Msg("fetching experiments failed")
			return mcp.NewToolResultError("Failed to fetch experiments: " + err.Error()), nil
		}

		if len(experiments) == 0 {
			return mcp.NewToolResultText("No experiments found."), nil
		}

		// The backend has no name search; filter client-side.
		if nameFilter != "" {
			var filtered api.ExperimentList
			for _, e := range experiments {
				if strings.Contains(strings.ToLower(e.Title), nameFilter) {
					filtered = append(filtered, e)
				}
			}
			experiments = filtered
			if len(experiments) == 0 {
				return mcp.NewToolResultText(fmt.Sprintf("No experiments found matching '%s'.", nameFilter)), nil
			}
		}

		var b strings.Builder
		b.WriteString("Your Experiments:\n")
		b.WriteString(strings.Repeat("=", 50) + "\n\n")

		for _, e := range experiments {
			title := e.Title
			if title == "" {
				title = "Untitled"
			}
			status := e.Status
			if status == "" {
				status = "Unknown"
			}
			id := e.ID
			if id == "" {
				s.log.Warn().Str("title", title).Msg("experiment missing ID")
				id = "(not available)"
			}
			created := e.CreatedAt
			if len(created) > 10 {
				created = created[:10]
			}

			fmt.Fprintf(&b, "%s %s\n", statusIndicator(status), title)
			fmt.Fprintf(&b, "   ID: %s\n", id)
			fmt.Fprintf(&b, "   Status: %s\n", status)
			if e.URL != "" {
				fmt.Fprintf(&b, "   URL: %s\n", e.URL)
			}
			if created != "" {
				fmt.Fprintf(&b, "   Created: %s\n", created)
			}
			b.WriteString("\n")
		}

		fmt.Fprintf(&b, "Total: %d experiment(s)", len(experiments))
		if nameFilter != "" {
			fmt.Fprintf(&b, " (filtered by '%s')", nameFilter)
		}
		b.WriteString("\n\nTo get detailed results, use:\nget_experiment_results(experiment_id=\"<id>\")")

		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleExperimentResults(s *Server) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client, errRes := s.requireSession(ctx, req)
		if errRes != nil {
			return errRes, nil
		}

		experimentID := strArg(req, "experiment_id")
		if experimentID == "" {
			return mcp.NewToolResultError("experiment_id is required"), nil
		}

		s.log.Info().Str("experiment_id", experimentID).Msg("fetching experiment results")
		var res api.ExperimentResults
		if err := client.Get(ctx, "/experiments/"+experimentID+"/results", nil, &res); err != nil {
			s.log.Error().Err(err).Msg("fetching experiment results failed")
			return mcp.NewToolResultError("Failed to fetch experiment results: " + err.Error()), nil
		}

		// The backend answers unknown IDs with an empty 200 body.
		if res.Empty() {
			return mcp.NewToolResultError(fmt.Sprintf("Experiment %s not found", experimentID)), nil
		}

		return mcp.NewToolResultText(formatResults(&res, experimentID, s.experimentLink(experimentID))), nil
	}
}

// ─── Experiment Plumbing ─────────────────────────────────────────────────────

// suggestTypeAndTitle asks the backend's suggestion endpoint to pick an
// experiment type and title. The payload carries the chosen personas
// and the full type catalog so the model has context.
func (s *Server) suggestTypeAndTitle(ctx context.Context, client *api.Client, draft experimentDraft) (api.SuggestResult, error) {
	s.log.Info().Msg("fetching suggestions for type/title")

	var personas api.PersonaList
	if err := client.Get(ctx, "/personas", url.Values{"limit": {"100"}}, &personas); err != nil {
		return api.SuggestResult{}, fmt.Errorf("fetch personas: %w", err)
	}

	var types api.ExperimentTypeList
	if err := client.Get(ctx, "/experiments/types", nil, &types); err != nil {
		return api.SuggestResult{}, fmt.Errorf("fetch experiment types: %w", err)
	}

	var suggestion api.SuggestResult
	if err := client.Post(ctx, "/experiments/types/suggest", buildSuggestRequest(draft, personas, types), &suggestion); err != nil {
		return api.SuggestResult{}, fmt.Errorf("suggest experiment type: %w", err)
	}
	return suggestion, nil
}

// buildSuggestRequest filters the persona catalog down to the chosen
// IDs and slims the type catalog to the fields the endpoint expects.
// Nil traits and tendencies are sent as empty containers, not null.
func buildSuggestRequest(draft experimentDraft, personas []api.Persona, types []api.ExperimentType) api.SuggestRequest {
	chosen := make(map[string]bool, len(draft.PersonaIDs))
	for _, id := range draft.PersonaIDs {
		chosen[id] = true
	}

	selected := make([]api.Persona, 0, len(draft.PersonaIDs))
	for _, p := range personas {
		if !chosen[p.ID] {
			continue
		}
		if p.Traits == nil {
			p.Traits = map[string]any{}
		}
		if p.Tendencies == nil {
			p.Tendencies = []string{}
		}
		selected = append(selected, p)
	}

	options := make([]api.SuggestTypeOption, 0, len(types))
	for _, t := range types {
		options = append(options, api.SuggestTypeOption{
			ID:           t.ID,
			Name:         t.Name,
			Instructions: t.Instructions,
		})
	}

	return api.SuggestRequest{
		ExperimentTitle:          draft.Title,
		Hypothesis:               draft.Hypothesis,
		Goal:                     draft.Goal,
		URL:                      draft.URL,
		FrameType:                draft.FrameType,
		Personas:                 selected,
		AvailableExperimentTypes: options,
	}
}

// createAndRun creates the draft in Draft status and kicks off its
// run. A non-nil result is the error to hand back to the agent.
func (s *Server) createAndRun(ctx context.Context, client *api.Client, draft experimentDraft) (string, *mcp.CallToolResult) {
	payload := api.CreateExperimentRequest{
		Title:            draft.Title,
		Hypothesis:       draft.Hypothesis,
		Goal:             draft.Goal,
		URL:              draft.URL,
		ExperimentTypeID: draft.TypeID,
		PersonaIDs:       draft.PersonaIDs,
		FrameType:        draft.FrameType,
		Status:           "Draft",
		Credentials:      draft.Credentials,
	}

	s.log.Info().Str("title", draft.Title).Msg("creating experiment")
	var created api.CreateExperimentResult
	if err := client.Post(ctx, "/experiments", payload, &created); err != nil {
		s.log.Error().Err(err).Msg("creating experiment failed")
		return "", mcp.NewToolResultError("Failed to create experiment: " + err.Error())
	}

	id := created.FirstID()
	if id == "" {
		return "", mcp.NewToolResultError("Failed to get experiment ID from response")
	}

	s.log.Info().Str("experiment_id", id).Msg("running experiment")
	var run api.RunResult
	if err := client.Post(ctx, "/experiments/"+id+"/run", nil, &run); err != nil {
		s.log.Error().Err(err).Msg("running experiment failed")
		return "", mcp.NewToolResultError("Failed to run experiment: " + err.Error())
	}
	if !run.Started() {
		msg := run.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return "", mcp.NewToolResultError("Experiment created but failed to start: " + msg)
	}
	return id, nil
}

// ─── Formatting ──────────────────────────────────────────────────────────────

// formatResults renders the full results payload: experiment header,
// global summary, then per-persona breakdowns.
func formatResults(res *api.ExperimentResults, experimentID, link string) string {
	personaNames := make(map[string]string, len(res.Personas))
	for _, p := range res.Personas {
		name := p.Name
		if name == "" {
			name = "Unknown"
		}
		personaNames[p.ID] = name
	}

	title := res.Experiment.Title
	if title == "" {
		title = "Untitled"
	}
	status := res.Experiment.Status
	if status == "" {
		status = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Experiment Results: %s\n", title)
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&b, "ID: %s\n", experimentID)
	fmt.Fprintf(&b, "Status: %s %s\n", statusIndicator(status), status)
	if res.ExperimentType.Name != "" {
		fmt.Fprintf(&b, "Type: %s\n", res.ExperimentType.Name)
	}
	fmt.Fprintf(&b, "URL: %s\n", res.Experiment.URL)
	if res.Experiment.Hypothesis != "" {
		fmt.Fprintf(&b, "Hypothesis: %s\n", res.Experiment.Hypothesis)
	}
	if res.Experiment.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", res.Experiment.Goal)
	}

	if res.Experiment.Summary != "" {
		fmt.Fprintf(&b, "\nSummary:\n%s\n", res.Experiment.Summary)
	}

	if len(res.Results) > 0 {
		b.WriteString("\n" + strings.Repeat("-", 50) + "\n")
		fmt.Fprintf(&b, "Persona Results (%d):\n", len(res.Results))
		b.WriteString(strings.Repeat("-", 50) + "\n")

		for i, r := range res.Results {
			name := personaNames[r.PersonaID]
			if name == "" {
				name = "Unknown Persona"
			}
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, name)

			if line := metricsLine(r); line != "" {
				fmt.Fprintf(&b, "   %s\n", line)
			}
			if r.Summary != "" {
				fmt.Fprintf(&b, "\n   Journey: %s\n", truncate(r.Summary, 300))
			}
			if len(r.Recommendations) > 0 {
				b.WriteString("\n   Recommendations:\n")
				for _, rec := range r.Recommendations[:min(5, len(r.Recommendations))] {
					if rec.Text == "" {
						continue
					}
					fmt.Fprintf(&b, "   * %s\n", truncate(rec.Text, 150))
				}
			}
		}
	} else {
		switch status {
		case "Running":
			b.WriteString("\nExperiment is still running. Results will be available when complete.\n")
		case "Draft":
			b.WriteString("\nExperiment has not been started yet.\n")
		default:
			b.WriteString("\nNo persona results found.\n")
		}
	}

	b.WriteString("\nView full details at:\n" + link)
	return b.String()
}

// metricsLine joins whichever metrics a run produced into one line.
func metricsLine(r api.PersonaResult) string {
	var parts []string
	if v := r.Metrics.CompletionRate; v != nil {
		parts = append(parts, fmt.Sprintf("Completion: %.0f%%", *v))
	}
	if v := r.Metrics.Time; v != nil {
		parts = append(parts, fmt.Sprintf("Time: %.1fs", *v))
	}
	if v := r.Confidence; v != nil {
		parts = append(parts, fmt.Sprintf("Confidence: %s%%", strconv.FormatFloat(*v, 'f', -1, 64)))
	}
	if lo, hi := r.Metrics.MinInteractions, r.Metrics.MaxInteractions; lo != nil && hi != nil {
		if *lo == *hi {
			parts = append(parts, fmt.Sprintf("Steps: %d", *lo))
		} else {
			parts = append(parts, fmt.Sprintf("Steps: %d-%d", *lo, *hi))
		}
	}
	return strings.Join(parts, " | ")
}

// statusIndicator maps an experiment status to its bracket tag.
func statusIndicator(status string) string {
	switch status {
	case "Draft":
		return "[Draft]"
	case "Running":
		return "[Running]"
	case "Completed":
		return "[Done]"
	case "Failed":
		return "[Failed]"
	case "Cancelled":
		return "[Cancelled]"
	case "Archived":
		return "[Archived]"
	default:
		return "[?]"
	}
}

// estimateMinutes mirrors the dashboard's runtime estimate: a fixed
// setup cost plus per-persona simulation time.
func estimateMinutes(personas int) int {
	return int(math.Round(5 + 7.2*(0.5+float64(personas))))
}

// normalizeURL defaults bare hostnames to https.
func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

// titleFromDescription builds a short title from the first five words
// of the description.
func titleFromDescription(description string) string {
	words := strings.Fields(description)
	if len(words) > 5 {
		words = words[:5]
	}
	return cases.Title(language.English).String(strings.Join(words, " "))
}
