package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/factline/internal/domain"
)

// Stage system prompts. Each tells the model its decision surface and that
// it must finish by calling write_to_database exactly once.

const triageSystemPrompt = `You are the triage analyst of a content review pipeline.
Read the submitted item and decide whether it merits a researched response.
Call write_to_database exactly once when you are done:
- directive "advance" with next_stage "research" if the item contains a checkable claim worth responding to,
- directive "reject" if it is spam, off-topic, unverifiable opinion, or a duplicate.
Your result payload must include: "relevant" (bool), "claim_summary" (string), "confidence" (0-1), "reasoning" (string).`

const researchSystemPrompt = `You are the research analyst of a content review pipeline.
The triage summary of the claim is provided. Use brave_web_search to gather evidence:
search for primary sources, check multiple angles, and collect the strongest citations.
Call write_to_database exactly once when your research is complete, with directive "advance"
and next_stage "response". Your result payload must include: "findings" (string),
"sources" (array of {url, title, relevance}), "verdict" (one of "supported",
"refuted", "mixed", "unverifiable").
If research shows the claim is not worth responding to after all, use directive "reject".`

const responseSystemPrompt = `You are the response writer of a content review pipeline.
Draft a public reply to the original item grounded in the research findings provided.
Be factual and cite the research sources. Keep it under 2000 characters.
Call write_to_database exactly once with directive "advance" and next_stage "editorial".
Your result payload must include: "draft" (string), "cited_sources" (array of urls),
"tone" (string).`

const editorialSystemPrompt = `You are the editor of a content review pipeline.
Review the draft reply against the research. Check factual grounding, tone, and length.
Call write_to_database exactly once:
- directive "advance" with next_stage "post_queue" if the draft is publishable
  (include the final text, edited as needed, as "final_text" in the payload),
- directive "retry" with a reason if the draft needs a rewrite,
- directive "reject" if the item should not be answered at all.
Your result payload must include: "approved" (bool), "final_text" (string), "notes" (string).`

// SystemPrompt returns the system prompt for a stage.
func SystemPrompt(stage domain.Stage) (string, error) {
	switch stage {
	case domain.StageTriage:
		return triageSystemPrompt, nil
	case domain.StageResearch:
		return researchSystemPrompt, nil
	case domain.StageResponse:
		return responseSystemPrompt, nil
	case domain.StageEditorial:
		return editorialSystemPrompt, nil
	}
	return "", fmt.Errorf("op=agent.prompt: %w: no prompt for stage %q", domain.ErrInvalidArgument, stage)
}

// BuildUserPrompt renders the item plus the latest artifact of every prior
// stage. Handlers always see the full upstream context, so a rebound or
// retried stage never loses what earlier stages produced.
func BuildUserPrompt(item domain.Item, prior map[domain.Stage]json.RawMessage) string {
	var sb strings.Builder
	sb.WriteString("## Submitted item\n")
	fmt.Fprintf(&sb, "id: %d\nsource: %s\n", item.ID, item.SourceID)
	if item.Title != "" {
		fmt.Fprintf(&sb, "title: %s\n", item.Title)
	}
	if item.Author != "" {
		fmt.Fprintf(&sb, "author: %s\n", item.Author)
	}
	if item.URL != "" {
		fmt.Fprintf(&sb, "url: %s\n", item.URL)
	}
	fmt.Fprintf(&sb, "submitted_at: %s\n\n", item.SourceCreatedAt.UTC().Format("2006-01-02 15:04:05"))
	sb.WriteString(item.Body)
	sb.WriteString("\n")

	for _, stage := range domain.PriorStages(item.Stage) {
		payload, ok := prior[stage]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s result\n", stage)
		sb.Write(payload)
		sb.WriteString("\n")
	}
	if item.RetryCount > 0 {
		fmt.Fprintf(&sb, "\nNote: this is attempt %d for this stage.", item.RetryCount+1)
		if item.LastError != "" {
			fmt.Fprintf(&sb, " Previous attempt: %s", item.LastError)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
