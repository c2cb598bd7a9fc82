package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RawFields are untyped form values keyed by field name. A nil value is
// treated the same as a missing key.
type RawFields map[string]any

const (
	FieldMode           = "mode"
	FieldPrompt         = "prompt"
	FieldNegativePrompt = "negative_prompt"
	FieldModel          = "model"
	FieldResolution     = "resolution"
	FieldDuration       = "duration"
	FieldSeed           = "seed"
	FieldImageURL       = "image_url"
)

// Drafts carry decoded values into the struct validator. The oneof sets
// must match TextToVideoModels, ImageToVideoModels and Resolutions.
type textDraft struct {
	Prompt         string  `json:"prompt" validate:"min=10,max=500"`
	NegativePrompt *string `json:"negative_prompt" validate:"omitempty,max=200"`
	Model          string  `json:"model" validate:"oneof=t2v-14B t2v-1.3B"`
	Resolution     string  `json:"resolution" validate:"oneof=480p 720p"`
	Duration       int     `json:"duration" validate:"min=1,max=10"`
}

type imageDraft struct {
	Prompt         string  `json:"prompt" validate:"min=10,max=500"`
	NegativePrompt *string `json:"negative_prompt" validate:"omitempty,max=200"`
	Model          string  `json:"model" validate:"oneof=i2v-14B"`
	Resolution     string  `json:"resolution" validate:"oneof=480p 720p"`
	Duration       int     `json:"duration" validate:"min=1,max=10"`
	ImageURL       string  `json:"image_url" validate:"absurl"`
}

var numericRanges = map[string][2]int64{
	FieldDuration: {DurationMin, DurationMax},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("absurl", isAbsoluteURL); err != nil {
		panic(err)
	}
	return v
}

func isAbsoluteURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks raw form values against the rules of mode and returns
// either a normalized Request or FieldErrors holding every violation.
func Validate(mode Mode, raw RawFields) (Request, error) {
	errs := FieldErrors{}
	if !mode.Valid() {
		errs.add(InvalidEnum(FieldMode, modeNames()))
		return nil, errs
	}

	d := decode(mode, raw, errs)

	var target any
	if mode == ModeImageToVideo {
		target = &imageDraft{
			Prompt:         d.prompt,
			NegativePrompt: d.negativePrompt,
			Model:          d.model,
			Resolution:     d.resolution,
			Duration:       d.duration,
			ImageURL:       d.imageURL,
		}
	} else {
		target = &textDraft{
			Prompt:         d.prompt,
			NegativePrompt: d.negativePrompt,
			Model:          d.model,
			Resolution:     d.resolution,
			Duration:       d.duration,
		}
	}

	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("validate %s request: %w", mode, err)
		}
		for _, fe := range verrs {
			// decode already reported a more precise problem for this field
			if errs.Has(fe.Field()) {
				continue
			}
			errs.add(translate(fe))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	p := Params{
		Prompt:         d.prompt,
		NegativePrompt: d.negativePrompt,
		Model:          Model(d.model),
		Resolution:     Resolution(d.resolution),
		Duration:       d.duration,
		Seed:           d.seed,
	}
	if mode == ModeImageToVideo {
		return ImageToVideo{Params: p, ImageURL: d.imageURL}, nil
	}
	return TextToVideo{Params: p}, nil
}

func translate(fe validator.FieldError) FieldError {
	field := fe.Field()
	switch fe.Tag() {
	case "min", "max":
		if r, ok := numericRanges[field]; ok || fe.Kind() != reflect.String {
			return OutOfRange(field, r[0], r[1])
		}
		n, _ := strconv.Atoi(fe.Param())
		if fe.Tag() == "min" {
			return TooShort(field, n)
		}
		return TooLong(field, n)
	case "oneof":
		return InvalidEnum(field, strings.Fields(fe.Param()))
	case "absurl":
		return InvalidURL(field)
	}
	return FieldError{Field: field, Kind: ErrorKind(fe.Tag())}
}

type decoded struct {
	prompt         string
	negativePrompt *string
	model          string
	resolution     string
	duration       int
	seed           *int64
	imageURL       string
}

// decode pulls typed values out of raw and records presence and type
// problems. Constraint checks are left to the struct validator.
func decode(mode Mode, raw RawFields, errs FieldErrors) decoded {
	var d decoded

	required := []struct {
		name string
		dst  *string
	}{
		{FieldPrompt, &d.prompt},
		{FieldModel, &d.model},
		{FieldResolution, &d.resolution},
	}
	if mode == ModeImageToVideo {
		required = append(required, struct {
			name string
			dst  *string
		}{FieldImageURL, &d.imageURL})
	}
	for _, f := range required {
		s, ok := stringField(raw, f.name)
		if !ok {
			errs.add(MissingRequired(f.name))
			continue
		}
		*f.dst = s
	}

	if s, ok := stringField(raw, FieldNegativePrompt); ok {
		d.negativePrompt = &s
	}

	d.duration = DefaultDuration
	if n, present, ok := intField(raw, FieldDuration); present {
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			errs.add(OutOfRange(FieldDuration, DurationMin, DurationMax))
		} else {
			d.duration = int(n)
		}
	}

	if n, present, ok := intField(raw, FieldSeed); present {
		if !ok {
			errs.add(OutOfRange(FieldSeed, math.MinInt64, math.MaxInt64))
		} else {
			d.seed = &n
		}
	}

	return d
}

func stringField(raw RawFields, name string) (string, bool) {
	v, ok := raw[name]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case fmt.Stringer:
		return s.String(), true
	}
	return fmt.Sprint(v), true
}

// intField reports the integer value of raw[name], whether the key was
// present, and whether the value is representable as an int64.
func intField(raw RawFields, name string) (n int64, present, ok bool) {
	v, exists := raw[name]
	if !exists || v == nil {
		return 0, false, false
	}
	switch x := v.(type) {
	case int:
		return int64(x), true, true
	case int8:
		return int64(x), true, true
	case int16:
		return int64(x), true, true
	case int32:
		return int64(x), true, true
	case int64:
		return x, true, true
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), true, true
	case uint16:
		return int64(x), true, true
	case uint32:
		return int64(x), true, true
	case uint64:
		return uintToInt(x)
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true, true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, true, false
		}
		return floatToInt(f)
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, true, false
		}
		return floatToInt(f)
	}
	return 0, true, false
}

func uintToInt(u uint64) (int64, bool, bool) {
	if u > math.MaxInt64 {
		return 0, true, false
	}
	return int64(u), true, true
}

func floatToInt(f float64) (int64, bool, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, true, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is out of range
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, true, false
	}
	return int64(f), true, true
}

func modeNames() []string {
	modes := Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return names
}
