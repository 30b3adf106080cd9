package policy

import "time"

// GetBuiltinPolicies returns the disclosure policies that ship with the
// engine. They encode the baseline publication rules every deployment gets
// before any site-specific .rego files are loaded.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	return []Policy{
		minimumDisclosurePolicy(now),
		criticalAnomalyReviewPolicy(now),
		insignificantCorrelationPolicy(now),
	}
}

// minimumDisclosurePolicy suppresses findings that aggregate fewer records
// than the configured disclosure floor. Small groups can identify
// individual enrollees, so clusters, aggregation rows and regional scores
// below the floor are flagged for redaction.
func minimumDisclosurePolicy(now time.Time) Policy {
	return Policy{
		Name:        "minimum-disclosure",
		Description: "Suppress findings aggregating fewer records than the disclosure floor",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"privacy", "builtin"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package datapulse.policies.disclosure

import rego.v1

cluster_key(dims) := concat(",", sort([sprintf("%s=%s", [k, dims[k]]) | some k in object.keys(dims)]))

deny contains violation if {
	some cluster in input.abstract.dimensional_findings.outlier_clusters
	cluster.sample_size < input.context.min_disclosure_size
	violation := {
		"message": sprintf("outlier cluster [%s] aggregates %d records, below the disclosure floor of %d", [cluster_key(cluster.dimensions), cluster.sample_size, input.context.min_disclosure_size]),
		"severity": "error",
		"kind": "outlier_cluster",
		"key": cluster_key(cluster.dimensions),
	}
}

deny contains violation if {
	some row in input.abstract.dimensional_findings.aggregations
	row.sample_size < input.context.min_disclosure_size
	violation := {
		"message": sprintf("aggregation row [%s] holds %d records, below the disclosure floor of %d", [cluster_key(row.dimensions), row.sample_size, input.context.min_disclosure_size]),
		"severity": "error",
		"kind": "outlier_cluster",
		"key": cluster_key(row.dimensions),
	}
}

deny contains violation if {
	some score in input.abstract.volatility_findings.regional_scores
	score.sample_size < input.context.min_disclosure_size
	violation := {
		"message": sprintf("volatility score for %s rests on %d observations, below the disclosure floor of %d", [score.region, score.sample_size, input.context.min_disclosure_size]),
		"severity": "error",
		"kind": "regional_score",
		"key": score.region,
	}
}`,
	}
}

// criticalAnomalyReviewPolicy flags abstracts carrying critical anomalies so
// a human reviews them before the narrative is circulated. It warns rather
// than redacts.
func criticalAnomalyReviewPolicy(now time.Time) Policy {
	return Policy{
		Name:        "critical-anomaly-review",
		Description: "Require human review when critical anomalies are present",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"review", "builtin"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package datapulse.policies.review

import rego.v1

deny contains violation if {
	n := input.abstract.anomaly_findings.severity_distribution.critical
	n > 0
	violation := {
		"message": sprintf("%d critical anomalies require human review before publication", [n]),
		"severity": "warning",
		"kind": "abstract",
	}
}`,
	}
}

// insignificantCorrelationPolicy flags strong correlations whose p-value did
// not clear the significance test. They are reported, not suppressed, since
// downstream narrators already label significance.
func insignificantCorrelationPolicy(now time.Time) Policy {
	return Policy{
		Name:        "insignificant-correlation",
		Description: "Flag strong correlations that failed the significance test",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"quality", "builtin"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package datapulse.policies.quality

import rego.v1

deny contains violation if {
	some finding in input.abstract.correlation_findings.strong_correlations
	not finding.is_significant
	violation := {
		"message": sprintf("correlation between %s and %s (r=%.2f) is not statistically significant (p=%.4f)", [finding.variable_1, finding.variable_2, finding.correlation_coefficient, finding.p_value]),
		"severity": "info",
		"kind": "abstract",
	}
}`,
	}
}
