// Package provider holds the generation backends: an OpenAI-compatible chat
// client for lyrics and submit-then-poll task clients for audio and video.
// Backends classify their failures so the runner can tell a retryable outage
// from a permanently rejected request.
package provider
