// SPDX-License-Identifier: Apache-2.0

package logging

import "log/slog"

// Attribute keys shared by the catch-up engine and the reservation service.
const (
	FieldComponent = "component"
	FieldCatchup   = "catchup"
	FieldProjector = "projector"
	FieldEventID   = "event_id"
	FieldScope     = "scope"
	FieldError     = "error"
)

func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

func Catchup(name string) slog.Attr {
	return slog.String(FieldCatchup, name)
}

func Projector(name string) slog.Attr {
	return slog.String(FieldProjector, name)
}

func EventID(id int64) slog.Attr {
	return slog.Int64(FieldEventID, id)
}

func Scope(scope string) slog.Attr {
	return slog.String(FieldScope, scope)
}

// Error renders err as a string attribute; a nil error renders empty.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
