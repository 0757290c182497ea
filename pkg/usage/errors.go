package usage

import "errors"

var ErrInvalidAmount = errors.New("usage: token amount must be positive")
