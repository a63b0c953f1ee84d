package intake

import (
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("quality", func(fl validator.FieldLevel) bool {
		return jobmodel.Quality(fl.Field().Int()).Valid()
	})
	_ = validate.RegisterValidation("preset", func(fl validator.FieldLevel) bool {
		return jobmodel.Preset(fl.Field().String()).Valid()
	})
}

// JobRequest is the validated submission from the chat-handler surface.
type JobRequest struct {
	UserID            int64                 `validate:"required"`
	SourceMessageRefs []jobmodel.MessageRef `validate:"required,min=1,dive"`
	Quality           jobmodel.Quality      `validate:"quality"`
	Preset            jobmodel.Preset       `validate:"preset"`
	FinalFilename     string                `validate:"required"`
	UserSettings      jobmodel.UserSettings
}

func (r JobRequest) validateStruct() error {
	return validate.Struct(r)
}
