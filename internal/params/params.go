// Package params computes the effective upstream input from stored workflow
// and agent parameters and the caller's chat history.
package params

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cast"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

// Knowledge search defaults applied when a setting is absent.
const (
	DefaultSearchMode  = "embedding"
	DefaultLimit       = 10
	DefaultSimilarity  = 0.5
	DefaultUsingReRank = true
	DefaultExtension   = false
)

// ErrNoUserMessage is returned when the history holds no usable user turn.
var ErrNoUserMessage = apperr.New(apperr.CodeValidation, "no user message to send")

// Merge overlays agent parameters on workflow parameters. The merge is
// shallow: an agent key replaces the workflow value wholesale. Neither input
// is modified.
func Merge(workflowParams, agentParams map[string]any) map[string]any {
	merged := make(map[string]any, len(workflowParams)+len(agentParams))
	for k, v := range workflowParams {
		merged[k] = v
	}
	for k, v := range agentParams {
		merged[k] = v
	}
	return merged
}

// LatestUserMessage scans history from the end and returns the first user
// turn whose content is not blank.
func LatestUserMessage(messages []types.Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "user" {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		return m.Content, nil
	}
	return "", ErrNoUserMessage
}

// Knowledge is the parsed "knowledge" block of merged parameters.
type Knowledge struct {
	Items                            []string
	SearchMode                       string
	Limit                            int
	Similarity                       float64
	UsingReRank                      bool
	DatasetSearchUsingExtensionQuery bool
}

// ParseKnowledge reads merged["knowledge"]. It reports false when the block
// is absent or names no dataset. Items may be dataset id strings or objects
// carrying datasetId, id or _id.
func ParseKnowledge(merged map[string]any) (Knowledge, bool) {
	k := Knowledge{
		SearchMode:                       DefaultSearchMode,
		Limit:                            DefaultLimit,
		Similarity:                       DefaultSimilarity,
		UsingReRank:                      DefaultUsingReRank,
		DatasetSearchUsingExtensionQuery: DefaultExtension,
	}
	block, ok := merged["knowledge"].(map[string]any)
	if !ok {
		return k, false
	}

	items, _ := block["items"].([]any)
	for _, item := range items {
		if id := datasetID(item); id != "" {
			k.Items = append(k.Items, id)
		}
	}
	if len(k.Items) == 0 {
		return k, false
	}

	settings, _ := block["settings"].(map[string]any)
	if v, ok := settings["searchMode"].(string); ok && strings.TrimSpace(v) != "" {
		k.SearchMode = strings.TrimSpace(v)
	}
	if v, ok := toFloat(settings, "limit"); ok {
		k.Limit = int(v)
	}
	if v, ok := toFloat(settings, "similarity"); ok {
		k.Similarity = v
	}
	if v, ok := toBool(settings, "usingReRank"); ok {
		k.UsingReRank = v
	}
	if v, ok := toBool(settings, "datasetSearchUsingExtensionQuery"); ok {
		k.DatasetSearchUsingExtensionQuery = v
	}
	return k, true
}

// KBParams is the knowledge search request forwarded to the workflow.
type KBParams struct {
	DatasetID                        string  `json:"datasetId"`
	Text                             string  `json:"text"`
	SearchMode                       string  `json:"searchMode"`
	Limit                            int     `json:"limit"`
	Similarity                       float64 `json:"similarity"`
	UsingReRank                      bool    `json:"usingReRank"`
	DatasetSearchUsingExtensionQuery bool    `json:"datasetSearchUsingExtensionQuery"`
}

// InputValue is the effective workflow input.
type InputValue struct {
	UserInput string    `json:"userInput"`
	KBParams  *KBParams `json:"kbParams,omitempty"`
	URLValue  string    `json:"urlValue,omitempty"`
}

// BuildInput combines the user message with knowledge search parameters
// when merged names a dataset. Only the first dataset is searched.
func BuildInput(merged map[string]any, userInput, searchURL string) InputValue {
	in := InputValue{UserInput: userInput}
	k, ok := ParseKnowledge(merged)
	if !ok {
		return in
	}
	in.KBParams = &KBParams{
		DatasetID:                        k.Items[0],
		Text:                             userInput,
		SearchMode:                       k.SearchMode,
		Limit:                            k.Limit,
		Similarity:                       k.Similarity,
		UsingReRank:                      k.UsingReRank,
		DatasetSearchUsingExtensionQuery: k.DatasetSearchUsingExtensionQuery,
	}
	in.URLValue = searchURL
	return in
}

// Augmented reports whether knowledge search parameters are attached.
func (v InputValue) Augmented() bool {
	return v.KBParams != nil
}

// Value is the upstream input_value: the bare user message, or the whole
// input encoded as a JSON string when knowledge search is attached.
func (v InputValue) Value() string {
	if !v.Augmented() {
		return v.UserInput
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v.UserInput
	}
	return string(data)
}

func datasetID(item any) string {
	switch v := item.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, key := range []string{"datasetId", "id", "_id"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// setting returns settings[key] unless it is absent, null or a blank string,
// which all mean "use the default". Strings are trimmed.
func setting(settings map[string]any, key string) (any, bool) {
	v, ok := settings[key]
	if !ok || v == nil {
		return nil, false
	}
	if str, isString := v.(string); isString {
		str = strings.TrimSpace(str)
		if str == "" {
			return nil, false
		}
		return str, true
	}
	return v, true
}

func toFloat(settings map[string]any, key string) (float64, bool) {
	v, ok := setting(settings, key)
	if !ok {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

func toBool(settings map[string]any, key string) (bool, bool) {
	v, ok := setting(settings, key)
	if !ok {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	return b, err == nil
}
