package configuration

import (
	"fmt"
	"regexp"

	"github.com/asaskevich/govalidator"
)

const MaxIDLength = 128

// IDPattern is the set of configuration ids IoT Hub accepts.
var IDPattern = regexp.MustCompile(`^[a-z0-9\-:+%_#*?!(),=@;$']{1,128}$`)

// ValidateID checks id against the configuration id rules of IoT Hub.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: configuration id is required", ErrInvalidArgument)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: configuration id longer than %d characters", ErrInvalidArgument, MaxIDLength)
	}
	if !IDPattern.MatchString(id) {
		return fmt.Errorf("%w: configuration id %q contains characters outside %s", ErrInvalidArgument, id, IDPattern)
	}
	return nil
}

func validateContent(c Content) error {
	if c.IsEmpty() {
		return fmt.Errorf("%w: device or module content is required", ErrInvalidArgument)
	}
	if c.DeviceContent != "" && !govalidator.IsJSON(c.DeviceContent) {
		return fmt.Errorf("%w: device content is not a JSON document", ErrInvalidArgument)
	}
	if c.ModuleContent != "" && !govalidator.IsJSON(c.ModuleContent) {
		return fmt.Errorf("%w: module content is not a JSON document", ErrInvalidArgument)
	}
	return nil
}

func validateQueries(metrics MetricsDefinition) error {
	var err error
	metrics.Range(func(name, query string) bool {
		if query == "" {
			err = fmt.Errorf("%w: metric %q has an empty query", ErrInvalidArgument, name)
			return false
		}
		return true
	})
	return err
}
