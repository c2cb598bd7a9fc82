package generation

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func validTextFields() RawFields {
	return RawFields{
		"prompt":     "A lighthouse on a cliff during a storm at night",
		"model":      "t2v-14B",
		"resolution": "720p",
	}
}

func validImageFields() RawFields {
	return RawFields{
		"prompt":     "The portrait slowly turns and smiles at the camera",
		"model":      "i2v-14B",
		"resolution": "480p",
		"image_url":  "https://cdn.example.com/uploads/face.png",
	}
}

func with(base RawFields, kv ...any) RawFields {
	out := RawFields{}
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		if kv[i+1] == nil {
			delete(out, key)
			continue
		}
		out[key] = kv[i+1]
	}
	return out
}

func fieldErrors(t *testing.T, err error) FieldErrors {
	t.Helper()
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldErrors, got %T (%v)", err, err)
	}
	return fe
}

func TestValidateTextToVideoSuccess(t *testing.T) {
	req, err := Validate(ModeTextToVideo, validTextFields())
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	t2v, ok := req.(TextToVideo)
	if !ok {
		t.Fatalf("expected TextToVideo, got %T", req)
	}
	if t2v.Duration != DefaultDuration {
		t.Fatalf("duration = %d; want default %d", t2v.Duration, DefaultDuration)
	}
	if t2v.NegativePrompt != nil || t2v.Seed != nil {
		t.Fatalf("optional fields should be absent, got negative=%v seed=%v", t2v.NegativePrompt, t2v.Seed)
	}
	if t2v.Model != ModelT2V14B || t2v.Resolution != Resolution720p {
		t.Fatalf("unexpected model/resolution %s/%s", t2v.Model, t2v.Resolution)
	}
	if req.Mode() != ModeTextToVideo {
		t.Fatalf("mode = %s", req.Mode())
	}
	if req.Cost() != 20 {
		t.Fatalf("cost = %d; want 20", req.Cost())
	}
}

func TestValidatePassesOptionalFieldsThrough(t *testing.T) {
	raw := with(validTextFields(),
		"negative_prompt", "blurry, low quality",
		"duration", json.Number("8"),
		"seed", float64(42),
		"model", "t2v-1.3B",
		"resolution", "480p",
	)
	req, err := Validate(ModeTextToVideo, raw)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	p := req.Common()
	if p.NegativePrompt == nil || *p.NegativePrompt != "blurry, low quality" {
		t.Fatalf("negative prompt = %v", p.NegativePrompt)
	}
	if p.Duration != 8 {
		t.Fatalf("duration = %d; want 8", p.Duration)
	}
	if p.Seed == nil || *p.Seed != 42 {
		t.Fatalf("seed = %v; want 42", p.Seed)
	}
	if p.Prompt != raw["prompt"] {
		t.Fatalf("prompt changed: %q", p.Prompt)
	}
}

func TestValidateImageToVideoSuccess(t *testing.T) {
	req, err := Validate(ModeImageToVideo, with(validImageFields(), "duration", "3", "seed", -7))
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	i2v, ok := req.(ImageToVideo)
	if !ok {
		t.Fatalf("expected ImageToVideo, got %T", req)
	}
	if i2v.ImageURL != "https://cdn.example.com/uploads/face.png" {
		t.Fatalf("image url = %q", i2v.ImageURL)
	}
	if i2v.Duration != 3 || i2v.Seed == nil || *i2v.Seed != -7 {
		t.Fatalf("duration/seed = %d/%v", i2v.Duration, i2v.Seed)
	}
	if req.Cost() != 15 {
		t.Fatalf("cost = %d; want 15", req.Cost())
	}
}

func TestValidatePromptLength(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		want   ErrorKind
	}{
		{"empty", "", KindTooShort},
		{"nine chars", "123456789", KindTooShort},
		{"nine runes multibyte", "ééééééééé", KindTooShort},
		{"501 chars", strings.Repeat("a", 501), KindTooLong},
		{"very long", strings.Repeat("long prompt ", 100), KindTooLong},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Validate(ModeTextToVideo, with(validTextFields(), "prompt", c.prompt))
			fe := fieldErrors(t, err)
			if got := fe.Kinds(FieldPrompt); !reflect.DeepEqual(got, []ErrorKind{c.want}) {
				t.Fatalf("prompt kinds = %v; want [%s]", got, c.want)
			}
			if len(fe) != 1 {
				t.Fatalf("unexpected errors on other fields: %v", fe.Fields())
			}
		})
	}
}

func TestValidatePromptBoundsAreInclusive(t *testing.T) {
	for _, p := range []string{
		strings.Repeat("a", PromptMinLength),
		strings.Repeat("a", PromptMaxLength),
		strings.Repeat("語", PromptMaxLength),
	} {
		if _, err := Validate(ModeTextToVideo, with(validTextFields(), "prompt", p)); err != nil {
			t.Fatalf("prompt of %d runes rejected: %v", len([]rune(p)), err)
		}
	}
}

func TestValidateErrorBounds(t *testing.T) {
	_, err := Validate(ModeTextToVideo, with(validTextFields(),
		"prompt", "short",
		"negative_prompt", strings.Repeat("n", 201),
	))
	fe := fieldErrors(t, err)
	if got := fe[FieldPrompt][0]; got.Min != PromptMinLength {
		t.Fatalf("prompt error min = %d; want %d", got.Min, PromptMinLength)
	}
	neg := fe[FieldNegativePrompt]
	if len(neg) != 1 || neg[0].Kind != KindTooLong || neg[0].Max != NegativePromptMaxLength {
		t.Fatalf("negative_prompt errors = %+v", neg)
	}
	if !strings.Contains(neg[0].Error(), "200") {
		t.Fatalf("message should name the bound: %q", neg[0].Error())
	}
}

func TestValidateEnums(t *testing.T) {
	cases := []struct {
		name    string
		mode    Mode
		raw     RawFields
		field   string
		allowed []string
	}{
		{"unknown t2v model", ModeTextToVideo, with(validTextFields(), "model", "t2v-99B"), FieldModel, []string{"t2v-14B", "t2v-1.3B"}},
		{"i2v model on t2v", ModeTextToVideo, with(validTextFields(), "model", "i2v-14B"), FieldModel, []string{"t2v-14B", "t2v-1.3B"}},
		{"t2v model on i2v", ModeImageToVideo, with(validImageFields(), "model", "t2v-14B"), FieldModel, []string{"i2v-14B"}},
		{"empty model", ModeTextToVideo, with(validTextFields(), "model", ""), FieldModel, []string{"t2v-14B", "t2v-1.3B"}},
		{"case matters", ModeTextToVideo, with(validTextFields(), "resolution", "720P"), FieldResolution, []string{"480p", "720p"}},
		{"1080p", ModeImageToVideo, with(validImageFields(), "resolution", "1080p"), FieldResolution, []string{"480p", "720p"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Validate(c.mode, c.raw)
			fe := fieldErrors(t, err)
			errs := fe[c.field]
			if len(errs) != 1 || errs[0].Kind != KindInvalidEnum {
				t.Fatalf("%s errors = %+v", c.field, errs)
			}
			if !reflect.DeepEqual(errs[0].Allowed, c.allowed) {
				t.Fatalf("allowed = %v; want %v", errs[0].Allowed, c.allowed)
			}
		})
	}
}

func TestValidateDraftEnumsMatchConstants(t *testing.T) {
	for _, mode := range Modes() {
		for _, m := range mode.Models() {
			for _, r := range Resolutions {
				raw := validTextFields()
				if mode == ModeImageToVideo {
					raw = validImageFields()
				}
				raw = with(raw, "model", string(m), "resolution", string(r))
				if _, err := Validate(mode, raw); err != nil {
					t.Fatalf("%s %s/%s rejected: %v", mode, m, r, err)
				}
			}
		}
	}
}

func TestValidateDuration(t *testing.T) {
	cases := []struct {
		name  string
		value any
		ok    bool
		want  int
	}{
		{"absent", nil, true, DefaultDuration},
		{"min", 1, true, 1},
		{"max", int64(10), true, 10},
		{"integral float", float64(7), true, 7},
		{"numeric string", "4", true, 4},
		{"zero", 0, false, 0},
		{"eleven", 11, false, 0},
		{"negative", -3, false, 0},
		{"fraction", 2.5, false, 0},
		{"text", "five", false, 0},
		{"huge", int64(1) << 40, false, 0},
		{"bool", true, false, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := Validate(ModeTextToVideo, with(validTextFields(), "duration", c.value))
			if c.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if req.Common().Duration != c.want {
					t.Fatalf("duration = %d; want %d", req.Common().Duration, c.want)
				}
				return
			}
			fe := fieldErrors(t, err)
			errs := fe[FieldDuration]
			if len(errs) != 1 || errs[0].Kind != KindOutOfRange || errs[0].Min != DurationMin || errs[0].Max != DurationMax {
				t.Fatalf("duration errors = %+v", errs)
			}
			if len(fe) != 1 {
				t.Fatalf("unexpected errors on other fields: %v", fe.Fields())
			}
		})
	}
}

func TestValidateSeed(t *testing.T) {
	if _, err := Validate(ModeTextToVideo, with(validTextFields(), "seed", "123456789012")); err != nil {
		t.Fatalf("large seed rejected: %v", err)
	}
	for _, bad := range []any{"abc", 1.5, 1e30, []int{1}} {
		_, err := Validate(ModeTextToVideo, with(validTextFields(), "seed", bad))
		fe := fieldErrors(t, err)
		if got := fe.Kinds(FieldSeed); !reflect.DeepEqual(got, []ErrorKind{KindOutOfRange}) {
			t.Fatalf("seed %v kinds = %v", bad, got)
		}
	}
}

func TestValidateImageURL(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  ErrorKind
	}{
		{"not a url", "not-a-url", KindInvalidURL},
		{"relative path", "/uploads/a.png", KindInvalidURL},
		{"scheme only", "https://", KindInvalidURL},
		{"empty", "", KindInvalidURL},
		{"missing", nil, KindMissingRequired},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Validate(ModeImageToVideo, with(validImageFields(), "image_url", c.value))
			fe := fieldErrors(t, err)
			if got := fe.Kinds(FieldImageURL); !reflect.DeepEqual(got, []ErrorKind{c.want}) {
				t.Fatalf("image_url kinds = %v; want [%s]", got, c.want)
			}
			if len(fe) != 1 {
				t.Fatalf("spurious errors: %v", fe.Fields())
			}
		})
	}
}

func TestValidateTextToVideoIgnoresImageURL(t *testing.T) {
	req, err := Validate(ModeTextToVideo, with(validTextFields(), "image_url", "not-a-url"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := req.(TextToVideo); !ok {
		t.Fatalf("expected TextToVideo, got %T", req)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := Validate(ModeImageToVideo, RawFields{
		"prompt":          "tiny",
		"negative_prompt": strings.Repeat("x", 300),
		"resolution":      "4k",
		"duration":        42,
		"seed":            "nope",
	})
	fe := fieldErrors(t, err)

	want := map[string][]ErrorKind{
		FieldDuration:       {KindOutOfRange},
		FieldImageURL:       {KindMissingRequired},
		FieldModel:          {KindMissingRequired},
		FieldNegativePrompt: {KindTooLong},
		FieldPrompt:         {KindTooShort},
		FieldResolution:     {KindInvalidEnum},
		FieldSeed:           {KindOutOfRange},
	}
	if got := fe.Fields(); len(got) != len(want) {
		t.Fatalf("fields = %v; want %d fields", got, len(want))
	}
	for field, kinds := range want {
		if got := fe.Kinds(field); !reflect.DeepEqual(got, kinds) {
			t.Fatalf("%s kinds = %v; want %v", field, got, kinds)
		}
	}

	fields := fe.Fields()
	for i := 1; i < len(fields); i++ {
		if fields[i-1] > fields[i] {
			t.Fatalf("fields not sorted: %v", fields)
		}
	}
	all := fe.All()
	if all[0].Field != FieldDuration || all[len(all)-1].Field != FieldSeed {
		t.Fatalf("All() not ordered by field: %+v", all)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	_, err := Validate(ModeTextToVideo, RawFields{})
	fe := fieldErrors(t, err)
	for _, f := range []string{FieldPrompt, FieldModel, FieldResolution} {
		if got := fe.Kinds(f); !reflect.DeepEqual(got, []ErrorKind{KindMissingRequired}) {
			t.Fatalf("%s kinds = %v", f, got)
		}
	}
	if fe.Has(FieldDuration) || fe.Has(FieldSeed) || fe.Has(FieldNegativePrompt) {
		t.Fatalf("optional fields reported: %v", fe.Fields())
	}
}

func TestValidateUnknownMode(t *testing.T) {
	_, err := Validate(Mode("video-to-video"), validTextFields())
	fe := fieldErrors(t, err)
	errs := fe[FieldMode]
	if len(errs) != 1 || errs[0].Kind != KindInvalidEnum {
		t.Fatalf("mode errors = %+v", errs)
	}
	if !reflect.DeepEqual(errs[0].Allowed, []string{"text-to-video", "image-to-video"}) {
		t.Fatalf("allowed modes = %v", errs[0].Allowed)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	inputs := []struct {
		mode Mode
		raw  RawFields
	}{
		{ModeTextToVideo, with(validTextFields(), "seed", 9, "negative_prompt", "grainy")},
		{ModeImageToVideo, with(validImageFields(), "image_url", "not-a-url", "duration", 0)},
	}
	for _, in := range inputs {
		r1, e1 := Validate(in.mode, in.raw)
		r2, e2 := Validate(in.mode, in.raw)
		if !reflect.DeepEqual(r1, r2) || !reflect.DeepEqual(e1, e2) {
			t.Fatalf("results differ between calls: (%v, %v) vs (%v, %v)", r1, e1, r2, e2)
		}
	}
}

func TestFieldErrorsJSON(t *testing.T) {
	_, err := Validate(ModeImageToVideo, with(validImageFields(), "image_url", "not-a-url", "prompt", "short"))
	b, jerr := json.Marshal(fieldErrors(t, err))
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	got := string(b)
	if strings.Index(got, `"image_url"`) > strings.Index(got, `"prompt"`) {
		t.Fatalf("keys not ordered by name: %s", got)
	}
	if !strings.Contains(got, `"kind":"invalid_url"`) || !strings.Contains(got, `"min":10`) {
		t.Fatalf("unexpected encoding: %s", got)
	}
}
