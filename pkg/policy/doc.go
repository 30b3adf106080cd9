// Package policy enforces disclosure rules on statistical abstracts before
// they reach the narrative layer or any external consumer.
//
// Rules are Open Policy Agent Rego modules. Each module exposes a deny set
// under data.<package>.deny whose entries are either plain strings or
// objects carrying message, severity, kind and key fields. The engine
// evaluates every enabled policy against a document of the form
//
//	{"abstract": <statistical abstract>, "context": {"min_disclosure_size": 5, ...}}
//
// and folds the results into a Decision. Violations at error severity or
// above that name a concrete finding (an outlier cluster by its dimension
// key, a regional score by region, an anomaly by ID) are resolved by
// redaction: the decision carries a copy of the abstract with those
// findings removed. Only critical violations that cannot be redacted block
// publication.
//
// Built-in policies cover the small-group disclosure floor, human review of
// critical anomalies, and statistically insignificant correlations.
// Site-specific rules load from .rego or .json files via Loader, which can
// also watch the files and hot-reload on change.
package policy
