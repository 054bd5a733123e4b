// Package serialization reads and writes Buffer streams, the binary format
// used for datasets, labels, feature dumps and checkpoints.
//
// A stream is a concatenation of self-describing records:
//
//	Record Structure (little-endian):
//	  [1 byte:  kind tag]
//	  [4 bytes: element byte width (uint32)]
//	  [4 bytes: name length (int32)]
//	  [name bytes]
//	  [4 bytes: dims count (int32)]
//	  [4 bytes x count: dims (int32)]
//	  [payload: byte width x numel]
//
// No external schema is required to recover a stream. End of stream is
// detected by a short or failed read on a record header.
//
// Example usage:
//
//	// Save two buffers
//	err := serialization.WriteFile(ctx, "weights.gradnet", w, b)
//
//	// Load every buffer as float, converting half/double records
//	buffers, err := serialization.ReadAll(ctx, "weights.gradnet", tensor.KindFloat)
//
// Opening a file never fails outright: the open is retried every RetryDelay
// until it succeeds or the context is cancelled, so a producer may still be
// writing the file when a consumer starts.
package serialization
