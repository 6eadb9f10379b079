package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const excerptLen = 300

var leadingFence = regexp.MustCompile("(?i)^```(?:json)?\\s*")

type wireResult struct {
	Summary           *string           `json:"summary" validate:"required"`
	HallucinationRate *float64          `json:"hallucinationRate"`
	AverageConfidence *float64          `json:"averageConfidence"`
	FlaggedTurns      []wireFlaggedTurn `json:"flaggedTurns" validate:"dive"`
	IssueBreakdown    *wireBreakdown    `json:"issueBreakdown"`
}

type wireFlaggedTurn struct {
	TurnIndex        *float64 `json:"turnIndex" validate:"required,min=0,whole"`
	AssistantContent string   `json:"assistantContent"`
	IssueType        string   `json:"issueType" validate:"required,oneof=SELF_CONTRADICTION OVERCONFIDENCE FABRICATED_CITATION HARDCODED_FACT"`
	Explanation      string   `json:"explanation"`
	Confidence       *float64 `json:"confidence"`
	NumericalImpact  *string  `json:"numericalImpact"`
}

// Counts arrive as JSON numbers; 2.0 is accepted, 2.5 is not.
type wireBreakdown struct {
	SelfContradiction  float64 `json:"SELF_CONTRADICTION" validate:"min=0,whole"`
	Overconfidence     float64 `json:"OVERCONFIDENCE" validate:"min=0,whole"`
	FabricatedCitation float64 `json:"FABRICATED_CITATION" validate:"min=0,whole"`
	HardcodedFact      float64 `json:"HARDCODED_FACT" validate:"min=0,whole"`
}

// Decode parses oracle output into a Result. The first JSON object in text is
// used and fences or prose on either side of it are ignored. Missing optional
// fields get explicit defaults; anything structurally wrong is
// ErrEngineInvalidOutput.
func Decode(text string) (Result, error) {
	cleaned := stripWrappers(text)
	if cleaned == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrEngineInvalidOutput)
	}

	var wire wireResult
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&wire); err != nil {
		return Result{}, fmt.Errorf("%w: oracle returned invalid JSON: %s", ErrEngineInvalidOutput, excerpt(cleaned))
	}
	if rest := strings.TrimSpace(cleaned[dec.InputOffset():]); strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
		return Result{}, fmt.Errorf("%w: more than one JSON value in response", ErrEngineInvalidOutput)
	}

	for i := range wire.FlaggedTurns {
		wire.FlaggedTurns[i].IssueType = strings.ToUpper(strings.TrimSpace(wire.FlaggedTurns[i].IssueType))
	}
	if err := validate().Struct(wire); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrEngineInvalidOutput, describe(err))
	}

	return wire.toResult(), nil
}

func (w wireResult) toResult() Result {
	res := Result{
		Summary:      strings.TrimSpace(*w.Summary),
		FlaggedTurns: make([]FlaggedTurn, 0, len(w.FlaggedTurns)),
	}
	if w.HallucinationRate != nil {
		res.HallucinationRate = clamp01(*w.HallucinationRate)
	}
	if w.AverageConfidence != nil {
		res.AverageConfidence = clamp01(*w.AverageConfidence)
	}
	if w.IssueBreakdown != nil {
		res.IssueBreakdown = IssueBreakdown{
			SelfContradiction:  int(w.IssueBreakdown.SelfContradiction),
			Overconfidence:     int(w.IssueBreakdown.Overconfidence),
			FabricatedCitation: int(w.IssueBreakdown.FabricatedCitation),
			HardcodedFact:      int(w.IssueBreakdown.HardcodedFact),
		}
	}
	for _, ft := range w.FlaggedTurns {
		out := FlaggedTurn{
			TurnIndex:        int(*ft.TurnIndex),
			AssistantContent: ft.AssistantContent,
			IssueType:        IssueType(ft.IssueType),
			Explanation:      strings.TrimSpace(ft.Explanation),
		}
		if ft.Confidence != nil {
			out.Confidence = clamp01(*ft.Confidence)
		}
		if ft.NumericalImpact != nil {
			if v := strings.TrimSpace(*ft.NumericalImpact); v != "" && !strings.EqualFold(v, "null") {
				out.NumericalImpact = &v
			}
		}
		res.FlaggedTurns = append(res.FlaggedTurns, out)
	}
	return res
}

// stripWrappers drops a leading code fence and any prose before the first '{'.
// Whatever follows the object is left for the decoder to ignore.
func stripWrappers(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimSpace(leadingFence.ReplaceAllString(s, ""))
	if s == "" || s[0] == '[' {
		return s
	}
	if start := strings.IndexByte(s, '{'); start > 0 {
		return s[start:]
	}
	return s
}

func excerpt(s string) string {
	s = string(bytes.ToValidUTF8([]byte(s), nil))
	if len(s) <= excerptLen {
		return s
	}
	cut := excerptLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// maxCount keeps float-to-int conversion exact.
const maxCount = 1 << 31

func isWhole(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return f == math.Trunc(f) && math.Abs(f) < maxCount
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "wireResult.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("missing required field %s", field)
	case "oneof":
		return fmt.Sprintf("%s has unknown value %q", field, fe.Value())
	case "min":
		return fmt.Sprintf("%s must be non-negative", field)
	case "whole":
		return fmt.Sprintf("%s must be a whole number, got %v", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

var (
	validateOnce sync.Once
	validateInst *validator.Validate
)

func validate() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("whole", isWhole)
		validateInst = v
	})
	return validateInst
}
