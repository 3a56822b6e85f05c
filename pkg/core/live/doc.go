// Package live holds the audio plumbing shared by every voice session:
// PCM format arithmetic, a bounded per-session buffer, the windowing logic
// that decides when accumulated audio is handed to speech recognition, and a
// WAV container codec for providers that expect files rather than raw PCM.
//
// # Windowing
//
// Audio arrives in arbitrary chunk sizes. A StreamProcessor accumulates it
// and reports a window once at least ThresholdMs is buffered:
//
//	|<------------- window N ------------->|
//	                              |overlap|<---- window N+1 ---- ...
//
// After the window is processed (successfully or not) the caller commits it,
// which keeps only the trailing OverlapMs so consecutive windows share
// boundary audio.
package live
