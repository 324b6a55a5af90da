package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat is returned for formats that cannot be decoded.
	ErrInvalidFormat = errors.New("audio: invalid format")

	// ErrMisaligned is returned when a buffer is not a whole number of frames.
	ErrMisaligned = errors.New("audio: buffer not frame aligned")

	// ErrEmptyOutput is returned when conversion produced no samples.
	ErrEmptyOutput = errors.New("audio: conversion produced no samples")
)

// ConversionError reports a buffer that could not be converted to the
// canonical stream. The buffer is dropped; the stream continues.
type ConversionError struct {
	Format Format
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("audio: convert %s: %v", e.Format, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }
