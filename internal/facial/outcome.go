package facial

// EnrollOutcome is the structured result of an enrollment attempt. Failures
// are reported here rather than as errors so the caller can always respond.
type EnrollOutcome struct {
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message"`
	TemplateCount int    `json:"template_count"`
}

// Enrollment failure reasons.
const (
	ReasonNoFaceDetected   = "no_face_detected"
	ReasonDecodeError      = "decode_error"
	ReasonPersistenceError = "persistence_error"
	ReasonInvalidIdentity  = "invalid_identity"
)

// OutcomeKind tags a recognition result so call sites can handle each case
// exhaustively.
type OutcomeKind int

const (
	// OutcomeMatched means the probe was recognized and validated.
	OutcomeMatched OutcomeKind = iota
	// OutcomeNotDetected means no face region was found in the probe.
	OutcomeNotDetected
	// OutcomeModelUntrained means no identity has been enrolled yet.
	OutcomeModelUntrained
	// OutcomeBelowThreshold means classifier confidence missed the cut.
	OutcomeBelowThreshold
	// OutcomeRejected means confidence passed but template similarity did not.
	OutcomeRejected
)

// String returns the wire code of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMatched:
		return "matched"
	case OutcomeNotDetected:
		return "no_face_detected"
	case OutcomeModelUntrained:
		return "model_not_trained"
	case OutcomeBelowThreshold:
		return "below_threshold"
	case OutcomeRejected:
		return "validation_failed"
	}
	return "unknown"
}

// RecognitionOutcome is the structured result of a recognition attempt.
// Confidence is a percentage from the classifier distance; Similarity is the
// secondary template-validation score as a percentage.
type RecognitionOutcome struct {
	Kind       OutcomeKind
	IdentityID string
	Confidence float64
	Similarity float64
	Message    string
}

// Recognized reports whether the probe resolved to an identity.
func (o RecognitionOutcome) Recognized() bool {
	return o.Kind == OutcomeMatched
}
