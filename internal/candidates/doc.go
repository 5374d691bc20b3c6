// Package candidates implements the fan-out/fan-in controller: opening
// parallel attempt groups, barrier evaluation, deterministic best-of
// selection, and human-in-the-loop promotion.
package candidates
