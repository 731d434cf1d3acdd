package model

import (
	"errors"
)

var (
	ErrTooBig   = errors.New("payload too big")
	ErrNotFound = errors.New("not found")
)
