package audit

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/provtrail/provtrail/internal/canonical"
)

var (
	// ErrValidation marks an append rejected before anything was persisted.
	ErrValidation = errors.New("audit validation failed")
	// ErrPersistence marks an append whose write to the store failed. The
	// chain is unchanged when it is returned.
	ErrPersistence = errors.New("audit persistence failed")
)

var validate = validator.New()

// Event is the caller-supplied part of an entry.
type Event struct {
	PipelineID string         `validate:"required"`
	UserID     string         `validate:"required"`
	Stage      string         `validate:"required"`
	Action     string         `validate:"required"`
	Status     Status         `validate:"required,oneof=started completed failed"`
	Details    map[string]any `validate:"-"`
}

func (ev Event) check() error {
	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for name, v := range map[string]string{
		"PipelineID": ev.PipelineID, "UserID": ev.UserID, "Stage": ev.Stage, "Action": ev.Action,
	} {
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, name)
		}
	}
	return nil
}

// normalize puts the identifying strings in NFC so the stored bytes are the
// ones that were hashed.
func (ev *Event) normalize() {
	ev.PipelineID = canonical.NFC(ev.PipelineID)
	ev.UserID = canonical.NFC(ev.UserID)
	ev.Stage = canonical.NFC(ev.Stage)
	ev.Action = canonical.NFC(ev.Action)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
	}
}
