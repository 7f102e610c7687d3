package pipeline

import "errors"

// Sentinel errors surfaced by the orchestrator. Demux, transcode,
// negotiation, and mux failures carry their own sentinels and are
// wrapped, not translated.
var (
	// ErrUnsupportedCodec indicates the source video cannot be decoded,
	// even after the forced-keyframe repair transcode.
	ErrUnsupportedCodec = errors.New("source codec not decodable")

	// ErrNoKeyframe indicates no random-access point was found in the
	// leading sample window, even after repair.
	ErrNoKeyframe = errors.New("no keyframe in leading samples")

	// ErrCancelled indicates the run was aborted by the caller before
	// completing.
	ErrCancelled = errors.New("processing cancelled")
)
