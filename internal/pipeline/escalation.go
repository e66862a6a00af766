package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"

	"github.com/ralph-fleet/ralphd/internal/logfields"
)

// escalationMarker prefixes every escalation comment so a future
// SearchIssueComments call (or a human skimming the thread) can tell a
// breaker escalation apart from ordinary agent chatter.
const escalationMarker = "<!-- ralphd:escalation -->"

// escalationPacket is the structured record a circuit-breaker open
// decision leaves behind: the reason it tripped plus the last routing
// decision and plan fingerprint the worker had reached, so a human
// picking up the issue doesn't have to re-derive what the agent tried.
type escalationPacket struct {
	Repo            string
	IssueNumber     int
	Reason          string
	RoutingDecision string
	PlanFingerprint string
}

// render builds the Markdown issue comment body. The structured fields
// are rendered to HTML and embedded in a collapsible <details> block,
// the same "packet" shape the teacher's Markdown pipeline produces for
// PR/issue comment bodies, reusing goldmark instead of hand-building HTML.
func (p escalationPacket) render() (string, error) {
	source := fmt.Sprintf(
		"## Escalation\n\n- **Reason**: %s\n- **Routing decision**: %s\n- **Plan fingerprint**: %s\n",
		orNone(p.Reason), orNone(p.RoutingDecision), orNone(p.PlanFingerprint),
	)
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render escalation packet: %w", err)
	}
	return fmt.Sprintf(
		"%s\nThe circuit breaker for `%s` issue #%d opened and this task needs human attention.\n\n<details>\n<summary>Diagnostic packet</summary>\n\n%s\n</details>\n",
		escalationMarker, p.Repo, p.IssueNumber, sanitizeHTML(buf.String()),
	), nil
}

// sanitizeHTML drops <script> and <style> elements from goldmark's
// output before it's embedded in a posted issue comment. The reason
// field driving this render traces back to the agent's own plan text,
// not goldmark's own markup, so this is a defense-in-depth pass rather
// than a trust boundary goldmark's default renderer already closes.
func sanitizeHTML(s string) string {
	var out strings.Builder
	skipping := ""
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return out.String()
		}
		tok := tokenizer.Token()
		switch tt {
		case html.StartTagToken:
			if tok.Data == "script" || tok.Data == "style" {
				skipping = tok.Data
				continue
			}
		case html.EndTagToken:
			if tok.Data == skipping {
				skipping = ""
				continue
			}
		}
		if skipping != "" {
			continue
		}
		out.WriteString(tok.String())
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// postEscalation posts a best-effort escalation comment to the issue
// when a circuit breaker opens. A failure to post never changes the
// worker's outcome; it only gets logged, the way surveyStage's
// RunSurvey failure is distinguished from a build failure.
func (w *RepoWorker) postEscalation(ctx context.Context, plan *IssuePlan, ws *WorkerState, reason string) {
	if w.deps.Host == nil {
		return
	}
	fingerprint, _ := ws.Get("planFingerprint").(string)
	body, err := escalationPacket{
		Repo:            plan.Repo,
		IssueNumber:     plan.IssueNumber,
		Reason:          reason,
		RoutingDecision: ws.RoutingDecision,
		PlanFingerprint: fingerprint,
	}.render()
	if err != nil {
		w.log.Warn("failed to render escalation packet", logfields.Repo(plan.Repo), slog.Any("error", err))
		return
	}
	if _, err := w.deps.Host.CreateIssueComment(ctx, plan.Repo, plan.IssueNumber, body); err != nil {
		w.log.Warn("failed to post escalation comment", logfields.Repo(plan.Repo), slog.Any("error", err))
	}
}
