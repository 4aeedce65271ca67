// Package contradiction finds records that semantically conflict with a given
// record.
//
// Detection runs in two stages. Stage one asks the embedding index for close
// neighbors and keeps active records above a similarity floor. Stage two, when
// a natural language inference classifier is reachable, keeps only the pairs
// the classifier scores as contradictory. The classifier is optional: its
// availability is probed once per detector and the result is cached, and any
// per-pair failure falls back to the stage one candidate.
package contradiction
