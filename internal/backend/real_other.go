//go:build !linux

package backend

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func NewReal(opts Options, log *logrus.Logger) (Backend, error) {
	return nil, errors.New("real backend requires linux, use mock")
}
