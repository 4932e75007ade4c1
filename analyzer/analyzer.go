// Package analyzer coerces free-form model output into validated
// structured values: prompt -> JSON extraction with fence/prose
// cleaning, brace-balanced candidate extraction, struct-tag schema
// validation, and one automatic repair attempt, plus the content-quality
// filter shared with the contract review pipeline.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/lexreason/legalcore"
	"github.com/lexreason/legalcore/llmport"
)

var validate = validator.New()

// refusalMarkers is the closed list behind the content-quality filter:
// outputs containing one of these are treated as invalid and trigger the
// repair attempt.
var refusalMarkers = []string{
	"作为AI模型",
	"作为一个AI",
	"无法完成此任务",
	"我不能回答",
	"抱歉，我无法",
}

// InvalidStructuredOutput is returned when extraction fails validation
// twice (initial + one repair attempt). The raw model output is attached
// for diagnostics only; callers must not surface RawOutput to end users.
type InvalidStructuredOutput struct {
	Reason    string
	RawOutput string
}

func (e *InvalidStructuredOutput) Error() string {
	return fmt.Sprintf("invalid structured output: %s", e.Reason)
}

// Extract prompts the backend and parses its reply into T. T must be a
// struct (pointer receiver not required) whose fields carry `validator`
// tags describing required fields, length bounds, and enum values; its
// JSON shape is what the model is asked to produce.
func Extract[T any](ctx context.Context, backend llmport.ChatBackend, opts llmport.GenerateOptions, systemPrompt, userPrompt string) (T, error) {
	var zero T

	messages := []llmport.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	opts.ResponseFormat = "json_object"

	result, out, err := tryExtract[T](ctx, backend, opts, messages)
	if err == nil {
		return out, nil
	}

	repairMsg := fmt.Sprintf("Your previous output was invalid: %s. Return strict JSON only.", err.Error())
	messages = append(messages,
		llmport.Message{Role: "assistant", Content: result},
		llmport.Message{Role: "user", Content: repairMsg},
	)

	_, out, err = tryExtract[T](ctx, backend, opts, messages)
	if err != nil {
		return zero, &InvalidStructuredOutput{Reason: err.Error(), RawOutput: result}
	}
	return out, nil
}

// tryExtract runs one generate+validate round, returning the raw model
// text (for repair-prompt construction) alongside the parsed/validated
// value.
func tryExtract[T any](ctx context.Context, backend llmport.ChatBackend, opts llmport.GenerateOptions, messages []llmport.Message) (raw string, out T, err error) {
	var zero T
	resp, genErr := backend.Generate(ctx, messages, opts)
	if genErr != nil {
		return "", zero, genErr
	}
	raw = resp.Text

	if reason := qualityFilterReason(raw); reason != "" {
		return raw, zero, fmt.Errorf("%s", reason)
	}

	candidate := firstBalancedObject(raw)
	if candidate == "" {
		return raw, zero, fmt.Errorf("no balanced JSON object found in output")
	}

	if !gjson.Valid(candidate) {
		return raw, zero, fmt.Errorf("extracted candidate is not valid JSON")
	}
	if parseErr := json.Unmarshal([]byte(candidate), &out); parseErr != nil {
		return raw, zero, fmt.Errorf("decoding JSON: %w", parseErr)
	}
	if valErr := validate.Struct(out); valErr != nil {
		return raw, zero, fmt.Errorf("schema validation: %w", valErr)
	}
	return raw, out, nil
}

// qualityFilterReason rejects outputs containing refusal or
// meta-commentary markers, or unfilled template placeholders.
func qualityFilterReason(text string) string {
	for _, marker := range refusalMarkers {
		if strings.Contains(text, marker) {
			return fmt.Sprintf("output contains refusal marker %q", marker)
		}
	}
	if strings.Contains(text, "{var}") || strings.Contains(text, "{{") {
		return "output contains an unfilled template placeholder"
	}
	return ""
}

// stripFences removes Markdown code-fence markers and leading/trailing
// prose around a JSON blob.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// firstBalancedObject extracts the first outermost balanced `{...}` (or
// `[...]`) from text by brace counting. Returns "" if none is found.
func firstBalancedObject(text string) string {
	objs := BalancedObjects(text)
	if len(objs) == 0 {
		return ""
	}
	return objs[0]
}

// BalancedObjects scans text and returns every outermost balanced JSON
// object or array found by brace counting; SSE clients use it to split
// frames when several JSON objects arrive concatenated on one data line.
// Braces/brackets inside string literals are not counted as structural.
func BalancedObjects(text string) []string {
	text = stripFences(text)
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	var open, closer byte

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			if depth == 0 {
				start = i
				if c == '{' {
					open, closer = '{', '}'
				} else {
					open, closer = '[', ']'
				}
			}
			if c == open || depth == 0 {
				depth++
			}
		case '}', ']':
			if depth > 0 && c == closer {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// ErrKind classifies an analyzer error for callers that need to branch
// on it without a type assertion.
func ErrKind(err error) legalcore.Kind {
	if _, ok := err.(*InvalidStructuredOutput); ok {
		return legalcore.KindInvalidStructuredOutput
	}
	return legalcore.Of(err)
}
