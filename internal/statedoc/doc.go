// Package statedoc implements the merge-patch semantics of the per-job
// computed-state document. Writers always read-then-merge so unrelated keys
// written by other stages survive.
package statedoc
