// Package dispatch routes units of work to one of the three isolation
// strategies: inline in the calling process, in an isolated in-process
// module environment, or out of process through the daemon pool.
//
// All three strategies present the same contract: submit an action type,
// its parameters, an isolation mode and a fingerprint; get back a result
// or a uniformly shaped failure. The caller can always tell "my work
// failed" (*WorkError, carrying the failure cause chain) apart from "the
// execution infrastructure failed" (the start/serialization/connection
// error types) with errors.As.
//
// Parameter serialization happens here, before any pool call, so a bad
// parameter can never cost a daemon start.
package dispatch
