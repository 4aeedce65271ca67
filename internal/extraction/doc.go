// Package extraction mines expertise records from conversation text.
//
// Two extractors implement Extractor: HeuristicExtractor scores sentences
// against weighted regex signals per record type, and LLMExtractor asks a
// language model for a JSON array of records. A Pipeline runs one or both
// according to its Mode, then deduplicates each candidate against the
// embedding index:
//
//	similarity >= 0.95         REINFORCED         existing record validated
//	0.80 <= similarity < 0.95  DUPLICATE_FLAGGED  nothing written
//	otherwise                  CREATED            inserted and indexed
//
// LLM failures never escape Extract; they are logged and yield no records.
// Batch extraction isolates per-conversation failures, including panics, in
// ExtractionStats.Errors.
package extraction
