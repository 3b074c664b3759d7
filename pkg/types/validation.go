package types

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/pkg/errors"
)

var (
	classKeyRegex = regexp.MustCompile(`^[a-z1-9]{4,12}$`)

	classKeyTag  = "classkey"
	classKeyText = "{0} must be a valid class code"
	requiredText = "{0} is required"
)

// Validate and Translator are shared by every payload validation.
var (
	Validate   *validator.Validate
	Translator ut.Translator
)

func init() {
	Validate = validator.New()
	english := en.New()
	Translator, _ = ut.New(english, english).GetTranslator("en")
	InitValidators(Validate, Translator)
}

// InitValidators registers translations, json field names and custom tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(classKeyTag, func(fl validator.FieldLevel) bool {
		return classKeyRegex.MatchString(fl.Field().String())
	})
	registerTranslation(validate, translator, classKeyTag, classKeyText, false)
	registerTranslation(validate, translator, "required", requiredText, true)
}

func registerTranslation(validate *validator.Validate, translator ut.Translator, tag, text string, override bool) {
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, override) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// ValidateStruct validates v and converts failures into a Validation AppError
// carrying translated per-field messages.
func ValidateStruct(v interface{}) error {
	err := Validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return Validation("invalid_payload", err.Error())
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		fields[field] = fe.Translate(Translator)
	}
	return &AppError{Kind: KindValidation, Reason: "invalid_payload", Message: "validation failed", Fields: fields}
}

// IsValidClassKey checks the shape of a join code.
func IsValidClassKey(key string) bool {
	return classKeyRegex.MatchString(key)
}

// IDList decodes a list of user IDs sent either as numbers or numeric strings.
type IDList []int64

func (l *IDList) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "id list must be an array")
	}
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			ids = append(ids, int64(v))
		case string:
			id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return errors.Errorf("invalid id %q", v)
			}
			ids = append(ids, id)
		default:
			return errors.Errorf("invalid id %v", item)
		}
	}
	*l = ids
	return nil
}

// AnswerSpec is one requested answer of a new poll.
type AnswerSpec struct {
	Answer  string   `json:"answer" validate:"max=100"`
	Weight  *float64 `json:"weight"`
	Color   string   `json:"color" validate:"omitempty,hexcolor"`
	Correct bool     `json:"correct"`
}

// PollSpec is the payload that starts a poll.
type PollSpec struct {
	Prompt                 string       `json:"prompt" validate:"max=1000"`
	Answers                []AnswerSpec `json:"answers" validate:"max=26,dive"`
	Blind                  bool         `json:"blind"`
	Weight                 float64      `json:"weight" validate:"gte=0,lte=5"`
	AllowTextResponses     bool         `json:"allowTextResponses"`
	AllowMultipleResponses bool         `json:"allowMultipleResponses"`
	AllowVoteChanges       *bool        `json:"allowVoteChanges"`
	ExcludedRespondents    IDList       `json:"excludedRespondents"`
}

// Validate checks the poll's structural constraints.
func (s *PollSpec) Validate() error {
	return ValidateStruct(s)
}
