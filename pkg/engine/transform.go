package engine

import (
	"fmt"
)

// TransformName identifies a registered mapping between source and
// target item representations.
type TransformName string

// Built-in transform names, one per item type and direction.
const (
	TransformIssueToTimesheet TransformName = "issue_to_timesheet"
	TransformTimesheetToIssue TransformName = "timesheet_to_issue"
	TransformPRToProject      TransformName = "pr_to_project"
	TransformProjectToPR      TransformName = "project_to_pr"
)

// TransformFunc is a pure, total, I/O-free mapping from one item
// representation to another.
type TransformFunc func(input map[string]any) map[string]any

// Transformer is a registry of named pure mappings. Lookups of unknown
// names fail with ErrUnknownTransform; the registry is validated at
// startup against the item types the engine routes, never at dispatch
// time with a silent fallthrough.
type Transformer struct {
	transforms map[TransformName]TransformFunc
}

// NewTransformer creates a registry preloaded with the built-in
// source/target mappings.
func NewTransformer() *Transformer {
	t := &Transformer{transforms: make(map[TransformName]TransformFunc)}
	t.Register(TransformIssueToTimesheet, transformIssueToTimesheet)
	t.Register(TransformTimesheetToIssue, transformTimesheetToIssue)
	t.Register(TransformPRToProject, transformPRToProject)
	t.Register(TransformProjectToPR, transformProjectToPR)
	return t
}

// Register adds or replaces a named transform.
func (t *Transformer) Register(name TransformName, fn TransformFunc) {
	t.transforms[name] = fn
}

// Transform applies the named mapping to the input.
func (t *Transformer) Transform(name TransformName, input map[string]any) (map[string]any, error) {
	fn, ok := t.transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransform, name)
	}
	return fn(input), nil
}

// Validate checks that every named transform is registered. The engine
// calls this at startup with the transforms its routing requires.
func (t *Transformer) Validate(required ...TransformName) error {
	for _, name := range required {
		if _, ok := t.transforms[name]; !ok {
			return NewConfigError(fmt.Sprintf("required transform %q is not registered", name), ErrUnknownTransform)
		}
	}
	return nil
}

// forItemType returns the outbound transform for a source item type.
func forItemType(itemType ItemType) (TransformName, error) {
	switch itemType {
	case ItemTypeIssue, ItemTypeCommit:
		return TransformIssueToTimesheet, nil
	case ItemTypePullRequest:
		return TransformPRToProject, nil
	default:
		return "", NewConfigError(fmt.Sprintf("no transform for item type %q", itemType), ErrUnknownTransform)
	}
}

func transformIssueToTimesheet(issue map[string]any) map[string]any {
	var tags []any
	if labels, ok := issue["labels"].([]any); ok {
		for _, l := range labels {
			if label, ok := l.(map[string]any); ok {
				tags = append(tags, label["name"])
			}
		}
	}

	return map[string]any{
		"description": fmt.Sprintf("Issue #%v: %v", issue["number"], stringField(issue, "title")),
		"project":     nestedString(issue, "repository", "name"),
		"activity":    "Issue Tracking",
		"tags":        tags,
		"metaFields": map[string]any{
			"issue_id":     issue["id"],
			"issue_number": issue["number"],
			"repository":   nestedString(issue, "repository", "full_name"),
			"assignee":     nestedString(issue, "assignee", "login"),
			"state":        stringField(issue, "state"),
			"created_at":   issue["created_at"],
			"updated_at":   issue["updated_at"],
		},
	}
}

func transformTimesheetToIssue(timesheet map[string]any) map[string]any {
	meta, _ := timesheet["metaFields"].(map[string]any)
	desc := stringField(timesheet, "description")

	state := "open"
	if meta != nil {
		if s, ok := meta["state"].(string); ok && s != "" {
			state = s
		}
	}

	out := map[string]any{
		"title":  titleFromDescription(desc),
		"body":   "Time tracking entry: " + desc,
		"labels": timesheet["tags"],
		"state":  state,
	}
	if meta != nil {
		out["assignee"] = meta["assignee"]
	}
	return out
}

func transformPRToProject(pr map[string]any) map[string]any {
	return map[string]any{
		"name":        fmt.Sprintf("PR #%v: %v", pr["number"], stringField(pr, "title")),
		"comment":     stringField(pr, "body"),
		"orderNumber": pr["number"],
		"metaFields": map[string]any{
			"pr_id":       pr["id"],
			"pr_number":   pr["number"],
			"repository":  nestedString(pr, "head", "repo", "full_name"),
			"base_branch": nestedString(pr, "base", "ref"),
			"head_branch": nestedString(pr, "head", "ref"),
			"state":       stringField(pr, "state"),
			"created_at":  pr["created_at"],
			"updated_at":  pr["updated_at"],
		},
	}
}

func transformProjectToPR(project map[string]any) map[string]any {
	meta, _ := project["metaFields"].(map[string]any)

	state := "open"
	if meta != nil {
		if s, ok := meta["state"].(string); ok && s != "" {
			state = s
		}
	}

	return map[string]any{
		"title": titleFromDescription(stringField(project, "name")),
		"body":  stringField(project, "comment"),
		"state": state,
	}
}

// titleFromDescription strips a "Prefix #N: " lead if present.
func titleFromDescription(s string) string {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ' ' {
			return s[i+2:]
		}
	}
	return s
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// nestedString walks nested maps and returns the terminal string value.
func nestedString(m map[string]any, keys ...string) string {
	cur := any(m)
	for _, k := range keys {
		node, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = node[k]
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return ""
}
