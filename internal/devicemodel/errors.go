package devicemodel

import "errors"

var (
	// ErrModelNotFound is returned when a model ID does not exist.
	ErrModelNotFound = errors.New("devicemodel: model not found")

	// ErrInvalidModel is returned when a model, property or command fails
	// validation. Wrapped errors carry the detail.
	ErrInvalidModel = errors.New("devicemodel: invalid model")

	// ErrModelExists is returned when creating a model whose ID is taken.
	ErrModelExists = errors.New("devicemodel: model already exists")

	// ErrModelInUse is returned when deleting a model devices still use.
	ErrModelInUse = errors.New("devicemodel: model in use")

	// ErrBuiltinModel is returned when deleting a built-in model.
	ErrBuiltinModel = errors.New("devicemodel: built-in model cannot be deleted")

	// ErrNotLoRaModel is returned for command operations on non-LoRa models.
	ErrNotLoRaModel = errors.New("devicemodel: model does not support LoRa features")

	// ErrCommandNotFound is returned when a model has no such command.
	ErrCommandNotFound = errors.New("devicemodel: command not found")

	// ErrInvalidValue is returned when property values fail schema validation.
	ErrInvalidValue = errors.New("devicemodel: invalid property value")
)
