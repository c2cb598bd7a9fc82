package generation

// Mode discriminates the two request variants.
type Mode string

const (
	ModeTextToVideo  Mode = "text-to-video"
	ModeImageToVideo Mode = "image-to-video"
)

// Model identifies a Wan checkpoint.
type Model string

const (
	ModelT2V14B  Model = "t2v-14B"
	ModelT2V1_3B Model = "t2v-1.3B"
	ModelI2V14B  Model = "i2v-14B"
)

// Resolution is the output video size.
type Resolution string

const (
	Resolution480p Resolution = "480p"
	Resolution720p Resolution = "720p"
)

const (
	PromptMinLength         = 10
	PromptMaxLength         = 500
	NegativePromptMaxLength = 200
	DurationMin             = 1
	DurationMax             = 10
	DefaultDuration         = 5
)

var (
	TextToVideoModels  = []Model{ModelT2V14B, ModelT2V1_3B}
	ImageToVideoModels = []Model{ModelI2V14B}
	Resolutions        = []Resolution{Resolution480p, Resolution720p}
)

func Modes() []Mode {
	return []Mode{ModeTextToVideo, ModeImageToVideo}
}

func (m Mode) Valid() bool {
	return m == ModeTextToVideo || m == ModeImageToVideo
}

// Models returns the closed model set accepted for the mode.
func (m Mode) Models() []Model {
	switch m {
	case ModeTextToVideo:
		return TextToVideoModels
	case ModeImageToVideo:
		return ImageToVideoModels
	}
	return nil
}

// Params holds the fields shared by both variants. Optional fields are nil
// when the caller omitted them.
type Params struct {
	Prompt         string     `json:"prompt"`
	NegativePrompt *string    `json:"negative_prompt"`
	Model          Model      `json:"model"`
	Resolution     Resolution `json:"resolution"`
	Duration       int        `json:"duration"`
	Seed           *int64     `json:"seed"`
}

// Cost is the credit price of generating with these params.
func (p Params) Cost() int {
	return Cost(string(p.Model), string(p.Resolution))
}

// Request is a validated generation request. It is implemented by
// TextToVideo and ImageToVideo only.
type Request interface {
	Mode() Mode
	Common() Params
	Cost() int
}

type TextToVideo struct {
	Params
}

func (TextToVideo) Mode() Mode { return ModeTextToVideo }

func (r TextToVideo) Common() Params { return r.Params }

type ImageToVideo struct {
	Params
	ImageURL string `json:"image_url"`
}

func (ImageToVideo) Mode() Mode { return ModeImageToVideo }

func (r ImageToVideo) Common() Params { return r.Params }
