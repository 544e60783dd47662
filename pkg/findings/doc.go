// Package findings summarizes stored scan results. It only counts: SARIF
// results for SAST engines and CycloneDX vulnerabilities for SCA engines,
// bucketed by severity.
package findings
