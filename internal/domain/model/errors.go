package model

import "errors"

var (
	errNilChannel = errors.New("channel is nil")
	errEmptyName  = errors.New("channel name must not be empty")
	errEmptyInput = errors.New("channel input_url must not be empty")
	errNoOutputs  = errors.New("channel must declare at least one output")
)
