package configuration

import "errors"

var ErrInvalidArgument = errors.New("invalid argument")

// ErrSerialization is returned when a wire document does not decode into the
// configuration model.
var ErrSerialization = errors.New("malformed configuration document")
