// Package aferox provides the process-wide afero filesystem. Components take
// an afero.Fs so tests can swap in an in-memory filesystem.
package aferox

import (
	"github.com/spf13/afero"
	"go.uber.org/fx"
)

// Module provides the OS-backed filesystem to the fx graph.
var Module = fx.Provide(func() afero.Fs { return afero.NewOsFs() })
