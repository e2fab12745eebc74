package generator

import (
	"fmt"
	"strings"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/recovery"
	"github.com/sells-group/testweaver/internal/store"
)

// PointShape is the record shape expected from test point generation.
var PointShape = recovery.Shape{
	Required: []string{"name"},
	Optional: []string{"description"},
}

// CaseShape is the record shape expected from test case generation.
var CaseShape = recovery.Shape{
	Required: []string{"name", "steps", "expected_result"},
	Optional: []string{"preconditions"},
}

const defaultPointSystem = `You are a senior QA engineer designing test coverage for business features. You produce concise, behavior-focused test points: short statements of what must be verified, without execution detail.`

const defaultPointUser = `Business type: {{business_type}}

Feature context:
{{context}}

Existing test points (do not duplicate any of these):
{{existing}}

Generate 5 to 10 test points covering the feature. Each name states one verifiable behavior. Return a valid JSON array:
[{"name": "<behavior to verify>", "description": "<what and why, one sentence>"}]`

const defaultCaseSystem = `You are a senior QA engineer expanding test points into executable test cases. Every case has concrete preconditions, numbered steps, and a single observable expected result.`

const defaultCaseUser = `Business type: {{business_type}}
Test point: {{point_name}}

Feature context:
{{context}}

Existing test cases (do not duplicate any of these):
{{existing}}

Expand the test point into one executable test case. Return a valid JSON object:
{"name": "<case name>", "preconditions": "<state before execution>", "steps": "<numbered steps>", "expected_result": "<observable outcome>"}`

// promptPair is the resolved system/user prompt combination for one call.
type promptPair struct {
	system string
	user   string
}

// resolveTemplate picks the stored prompt template for the business type and
// stage, falling back to the built-in defaults when none is configured.
func resolveTemplate(tpl *model.PromptTemplate, stage model.Stage) promptPair {
	p := promptPair{system: defaultPointSystem, user: defaultPointUser}
	if stage == model.StageTestCase {
		p = promptPair{system: defaultCaseSystem, user: defaultCaseUser}
	}
	if tpl == nil {
		return p
	}
	if tpl.SystemPrompt != "" {
		p.system = tpl.SystemPrompt
	}
	if tpl.UserPrompt != "" {
		p.user = tpl.UserPrompt
	}
	return p
}

// renderPrompt substitutes the {{placeholder}} variables a template may
// reference. Unknown placeholders are left untouched.
func renderPrompt(tpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// formatExistingNames renders the anti-duplication block from current asset
// names, bounded to limit entries.
func formatExistingNames(names []store.NameRef, limit int) string {
	if len(names) == 0 {
		return "(none yet)"
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	var b strings.Builder
	for i, n := range names {
		fmt.Fprintf(&b, "%d. %s\n", i+1, n.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}
