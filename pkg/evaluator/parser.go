package evaluator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kittclouds/memengine/internal/store"
)

// EvaluationResult is what the LLM returns for a single evaluated memory.
type EvaluationResult struct {
	Summary        string                `json:"summary"`
	Weight         float64               `json:"weight"`
	SuperGroup     store.SuperGroup      `json:"super_group"`
	GroupID        string                `json:"group_id,omitempty"`
	Topic          string                `json:"topic"`
	BehaviorChange string                `json:"behavior_change,omitempty"`
	EmotionalState string                `json:"emotional_state,omitempty"`
	Kind           store.AssociationKind `json:"suggested_association_kind,omitempty"`
}

// evaluationJSONShape mirrors EvaluationResult field-for-field so json
// unmarshaling can fail independently of the exported type's validation.
type evaluationJSONShape struct {
	Summary        string  `json:"summary"`
	Weight         float64 `json:"weight"`
	SuperGroup     string  `json:"super_group"`
	GroupID        string  `json:"group_id"`
	Topic          string  `json:"topic"`
	BehaviorChange string  `json:"behavior_change"`
	EmotionalState string  `json:"emotional_state"`
	Kind           string  `json:"suggested_association_kind"`
}

// evaluationPattern recovers a single evaluation object from a malformed or
// prose-wrapped LLM response.
var evaluationPattern = regexp.MustCompile(
	`\{\s*"summary"\s*:\s*"[^"]*"\s*(?:,\s*"[^"]+"\s*:\s*(?:"[^"]*"|[\d.]+|true|false|null))*\s*\}`,
)

// ParseEvaluation parses a raw LLM response into an EvaluationResult,
// stripping markdown code fences and falling back to regex repair when the
// response isn't valid standalone JSON.
func ParseEvaluation(raw string) (*EvaluationResult, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, errEmptyEvaluation
	}

	var shape evaluationJSONShape
	if err := json.Unmarshal([]byte(cleaned), &shape); err == nil {
		return normalizeEvaluation(shape), nil
	}

	matches := evaluationPattern.FindAllString(cleaned, -1)
	if len(matches) == 0 {
		return nil, errUnparseableEvaluation
	}
	var shape2 evaluationJSONShape
	if err := json.Unmarshal([]byte(matches[0]), &shape2); err != nil {
		return nil, errUnparseableEvaluation
	}
	return normalizeEvaluation(shape2), nil
}

func normalizeEvaluation(shape evaluationJSONShape) *EvaluationResult {
	weight := shape.Weight
	if weight <= 0 {
		weight = store.WeightDefault
	}
	weight = store.ClampWeight(weight)

	sg := store.SuperGroup(strings.ToLower(strings.TrimSpace(shape.SuperGroup)))
	if !validSuperGroup(sg) {
		sg = store.SuperGroupOther
	}

	kind := store.AssociationKind(strings.ToLower(strings.TrimSpace(shape.Kind)))
	if !store.ValidAssociationKinds[kind] {
		kind = ""
	}

	return &EvaluationResult{
		Summary:        strings.TrimSpace(shape.Summary),
		Weight:         weight,
		SuperGroup:     sg,
		GroupID:        strings.TrimSpace(shape.GroupID),
		Topic:          strings.TrimSpace(shape.Topic),
		BehaviorChange: strings.TrimSpace(shape.BehaviorChange),
		EmotionalState: strings.TrimSpace(shape.EmotionalState),
		Kind:           kind,
	}
}

func validSuperGroup(sg store.SuperGroup) bool {
	switch sg {
	case store.SuperGroupWork, store.SuperGroupLife, store.SuperGroupStudy,
		store.SuperGroupEntertainment, store.SuperGroupHealth, store.SuperGroupSocial, store.SuperGroupOther:
		return true
	default:
		return false
	}
}

// stripCodeFence removes a ```json ... ``` or ``` ... ``` wrapper.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
