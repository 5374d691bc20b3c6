// Package faults defines the error taxonomy shared across the engine:
// sentinel markers for classification, a Wrap helper that attaches stage
// context, and the mapping from error class to retry disposition.
package faults
