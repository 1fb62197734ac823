// Package prompt assembles the worker prompt document (§6.5, §12): a
// tagged variant over prompt kinds, each a function from (project info,
// recovery context) to rendered text, flattening the inheritance hierarchy
// of prompt templates the teacher uses for its own instruction assembly.
package prompt

import (
	"bytes"
	"fmt"
	"text/template"
)

// ProjectInfo carries the per-run facts every prompt kind may reference.
type ProjectInfo struct {
	Name       string
	WorkingDir string
	Role       string
	Description string
}

// Kind names a prompt template variant, selected by a Roster entry's
// prompt-kind field.
type Kind string

const (
	KindGeneric  Kind = "generic"
	KindPlanner  Kind = "planner"
	KindBuilder  Kind = "builder"
	KindTester   Kind = "tester"
	KindReviewer Kind = "reviewer"
)

var templates = map[Kind]*template.Template{
	KindGeneric:  template.Must(template.New("generic").Parse(genericTemplate)),
	KindPlanner:  template.Must(template.New("planner").Parse(plannerTemplate)),
	KindBuilder:  template.Must(template.New("builder").Parse(builderTemplate)),
	KindTester:   template.Must(template.New("tester").Parse(testerTemplate)),
	KindReviewer: template.Must(template.New("reviewer").Parse(reviewerTemplate)),
}

type renderData struct {
	ProjectInfo
	RecoveryContext string
}

// Render synthesizes the prompt document for kind. Unknown kinds fall back
// to KindGeneric, which still includes project name, working directory,
// and recovery context (§9, §6.5).
func Render(kind Kind, info ProjectInfo, recoveryContext string) (string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		tmpl = templates[KindGeneric]
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, renderData{ProjectInfo: info, RecoveryContext: recoveryContext}); err != nil {
		return "", fmt.Errorf("prompt: render %q: %w", kind, err)
	}
	return buf.String(), nil
}

const commonHeader = `Project: {{.Name}}
Working directory: {{.WorkingDir}}
Role: {{.Role}}
{{- if .Description}}
Description: {{.Description}}
{{- end}}

{{if .RecoveryContext}}{{.RecoveryContext}}

{{end}}`

const genericTemplate = commonHeader + `You are participating in a coordinated fleet of worker agents. Report
progress via the report_status and checkpoint tools, and call complete when
your role's work is done.
`

const plannerTemplate = commonHeader + `You are the planning role for this project. Decompose the objective into
concrete, assignable work for downstream roles. Use checkpoint to record
your decomposition as completed/pending items before calling complete.
`

const builderTemplate = commonHeader + `You are a builder role. Implement the work described above, declaring each
artifact you produce via report_status or complete. Use checkpoint
periodically so progress survives a restart.
`

const testerTemplate = commonHeader + `You are a testing role. Validate the artifacts produced by upstream roles.
Report failures via report_status(status=needs_review) with enough detail
for a human or another role to act on.
`

const reviewerTemplate = commonHeader + `You are a reviewer role. Inspect the artifacts and messages from upstream
roles and report your verdict via send_message(type=answer) to the
requesting role, then call complete.
`
