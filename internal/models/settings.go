package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrInvalidSettings indicates an out-of-range execution setting.
var ErrInvalidSettings = errors.New("invalid execution settings")

// ResponseFormat selects plain text or JSON object output.
type ResponseFormat string

const (
	ResponseFormatText       ResponseFormat = "text"
	ResponseFormatJSONObject ResponseFormat = "json_object"
)

// FunctionChoiceMode controls whether functions are advertised and must be used.
type FunctionChoiceMode string

const (
	FunctionChoiceNone     FunctionChoiceMode = "none"
	FunctionChoiceAuto     FunctionChoiceMode = "auto"
	FunctionChoiceRequired FunctionChoiceMode = "required"
)

// FunctionChoiceBehavior is the tool-choice policy of a request.
type FunctionChoiceBehavior struct {
	Mode       FunctionChoiceMode
	AutoInvoke bool
	// Functions restricts the advertised functions to these fully qualified
	// names. Empty means every registered function.
	Functions                 []string
	AllowConcurrentInvocation bool
	// MaximumAutoInvokeAttempts caps the auto-invoke loop. Zero selects the
	// kernel default.
	MaximumAutoInvokeAttempts int
}

// AutoFunctionChoice advertises every function and invokes them automatically.
func AutoFunctionChoice(functions ...string) FunctionChoiceBehavior {
	return FunctionChoiceBehavior{Mode: FunctionChoiceAuto, AutoInvoke: true, Functions: functions}
}

// NoFunctionChoice disables function calling.
func NoFunctionChoice() FunctionChoiceBehavior {
	return FunctionChoiceBehavior{Mode: FunctionChoiceNone}
}

// Enabled reports whether functions should be sent to the model.
func (b FunctionChoiceBehavior) Enabled() bool {
	return b.Mode == FunctionChoiceAuto || b.Mode == FunctionChoiceRequired
}

// Allows reports whether the fully qualified function name passes the allow-list.
func (b FunctionChoiceBehavior) Allows(name string) bool {
	if len(b.Functions) == 0 {
		return true
	}
	return slices.Contains(b.Functions, name)
}

// ExecutionSettings is the flat per-request configuration handed to a provider.
type ExecutionSettings struct {
	ModelID          string
	ServiceID        string
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	StopSequences    []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int
	ResponseFormat   ResponseFormat
	FunctionChoice   FunctionChoiceBehavior
	// Extra carries provider-specific options that have no unified field.
	Extra map[string]any
}

// Validate checks value ranges shared by every provider.
func (s ExecutionSettings) Validate() error {
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: temperature %.2f must be within [0, 2]", ErrInvalidSettings, *s.Temperature)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("%w: top_p %.2f must be within [0, 1]", ErrInvalidSettings, *s.TopP)
	}
	if s.MaxTokens != nil && *s.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens %d must be positive", ErrInvalidSettings, *s.MaxTokens)
	}
	switch s.ResponseFormat {
	case "", ResponseFormatText, ResponseFormatJSONObject:
	default:
		return fmt.Errorf("%w: unsupported response format %q", ErrInvalidSettings, s.ResponseFormat)
	}
	switch s.FunctionChoice.Mode {
	case "", FunctionChoiceNone, FunctionChoiceAuto, FunctionChoiceRequired:
	default:
		return fmt.Errorf("%w: unsupported function choice %q", ErrInvalidSettings, s.FunctionChoice.Mode)
	}
	if s.FunctionChoice.MaximumAutoInvokeAttempts < 0 {
		return fmt.Errorf("%w: maximum auto invoke attempts %d must not be negative", ErrInvalidSettings, s.FunctionChoice.MaximumAutoInvokeAttempts)
	}
	return nil
}

// Merge returns a copy of s where every field set on override wins.
func (s ExecutionSettings) Merge(override ExecutionSettings) ExecutionSettings {
	out := s.clone()
	if override.ModelID != "" {
		out.ModelID = override.ModelID
	}
	if override.ServiceID != "" {
		out.ServiceID = override.ServiceID
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if len(override.StopSequences) > 0 {
		out.StopSequences = slices.Clone(override.StopSequences)
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = override.PresencePenalty
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	if override.ResponseFormat != "" {
		out.ResponseFormat = override.ResponseFormat
	}
	if override.FunctionChoice.Mode != "" {
		out.FunctionChoice = override.FunctionChoice
	}
	if len(override.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(override.Extra))
		}
		maps.Copy(out.Extra, override.Extra)
	}
	return out
}

func (s ExecutionSettings) clone() ExecutionSettings {
	out := s
	out.StopSequences = slices.Clone(s.StopSequences)
	out.FunctionChoice.Functions = slices.Clone(s.FunctionChoice.Functions)
	if s.Extra != nil {
		out.Extra = maps.Clone(s.Extra)
	}
	return out
}

// Float64 returns a pointer to v, for filling optional settings.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
