// Package narrative turns a statistical abstract into a structured report
// for decision-makers.
//
// Two narrators implement the Narrator interface: OpenAINarrator prompts a
// chat model with the abstract's top findings and parses its strict-JSON
// reply, and RuleBasedNarrator derives a deterministic report from fixed
// rules over severity counts. WithFallback chains the two so an unreachable
// or misbehaving model degrades to the deterministic report instead of
// failing the run.
//
// Reports carry confidence and relevance scores; the LLM path perturbs them
// with Laplace noise scaled by the configured privacy budget before the
// report leaves the package.
package narrative
