// Package facial implements the biometric verification pipeline: template
// enrollment with augmentation, classifier-based recognition with secondary
// template validation, and cross-identity disambiguation.
package facial

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"presence/internal/imgproc"
)

// ValidationThreshold is the fixed minimum template similarity a candidate
// must reach after clearing the classifier confidence threshold.
const ValidationThreshold = 0.70

// Service ties the detector, template store and classifier into the
// enrollment and recognition operations. Enrollment and reset are serialized
// against each other; recognition only takes read locks.
type Service struct {
	detector  Detector
	store     *TemplateStore
	threshold int

	mu         sync.RWMutex
	classifier *Classifier
}

// NewService builds the pipeline, restoring a previously persisted classifier
// blob when one exists.
func NewService(detector Detector, store *TemplateStore, confidenceThreshold int) (*Service, error) {
	s := &Service{
		detector:   detector,
		store:      store,
		threshold:  confidenceThreshold,
		classifier: NewClassifier(),
	}
	blob, ok, err := store.LoadModel()
	if err != nil {
		return nil, err
	}
	if ok {
		classifier, err := DecodeClassifier(blob)
		if err != nil {
			return nil, fmt.Errorf("restore classifier: %w", err)
		}
		s.classifier = classifier
	}
	return s, nil
}

// Enroll registers a face image for an identity: the normalized crop plus six
// augmented variants are stored, and the identity's classifier contribution is
// re-trained from its full template history. All failures are returned as a
// structured outcome, never as a raw error.
func (s *Service) Enroll(ctx context.Context, identityID string, imageBytes []byte) EnrollOutcome {
	if identityID == "" {
		return EnrollOutcome{Reason: ReasonInvalidIdentity, Message: "identity id required"}
	}

	img, err := imgproc.Decode(imageBytes)
	if err != nil {
		return EnrollOutcome{Reason: ReasonDecodeError, Message: "could not decode image"}
	}

	face, ok := s.detector.Detect(imgproc.ToGray(img))
	if !ok {
		return EnrollOutcome{Reason: ReasonNoFaceDetected, Message: "no face detected in the image"}
	}

	base := imgproc.Normalize(img, face)
	templates := append([]*image.Gray{base}, imgproc.Augment(base)...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Append(identityID, templates); err != nil {
		return EnrollOutcome{Reason: ReasonPersistenceError, Message: "storing templates failed"}
	}
	history, err := s.store.Templates(identityID)
	if err != nil {
		return EnrollOutcome{Reason: ReasonPersistenceError, Message: "reading template history failed"}
	}
	s.classifier.Update(identityID, history)

	blob, err := s.classifier.Encode()
	if err != nil {
		return EnrollOutcome{Reason: ReasonPersistenceError, Message: "encoding model failed"}
	}
	if err := s.store.SaveModel(blob); err != nil {
		return EnrollOutcome{Reason: ReasonPersistenceError, Message: "persisting model failed"}
	}

	return EnrollOutcome{
		Success:       true,
		Message:       fmt.Sprintf("face enrolled, %d templates on file", len(history)),
		TemplateCount: len(history),
	}
}

// Recognize resolves a probe image to an enrolled identity. "Not recognized"
// variants are normal outcomes; only malformed input and storage failures are
// returned as errors.
func (s *Service) Recognize(ctx context.Context, imageBytes []byte) (RecognitionOutcome, error) {
	img, err := imgproc.Decode(imageBytes)
	if err != nil {
		return RecognitionOutcome{}, err
	}

	face, ok := s.detector.Detect(imgproc.ToGray(img))
	if !ok {
		return RecognitionOutcome{
			Kind:    OutcomeNotDetected,
			Message: "no face detected in the image",
		}, nil
	}

	s.mu.RLock()
	classifier := s.classifier
	s.mu.RUnlock()

	probe := imgproc.Normalize(img, face)
	candidate, distance, err := classifier.Predict(probe)
	if err != nil {
		if errors.Is(err, ErrModelNotTrained) {
			return RecognitionOutcome{
				Kind:    OutcomeModelUntrained,
				Message: "no recognition model loaded, enroll at least one face first",
			}, nil
		}
		return RecognitionOutcome{}, err
	}

	confidence := 100 - math.Min(100, distance)
	if !meetsThreshold(confidence, s.threshold) {
		return RecognitionOutcome{
			Kind:       OutcomeBelowThreshold,
			Confidence: confidence,
			Message: fmt.Sprintf("confidence %.1f%% below threshold %d%%",
				confidence, s.threshold),
		}, nil
	}

	// Secondary validation against the candidate's own templates; confidence
	// alone is not trusted.
	similarity, err := s.bestSimilarity(probe, candidate)
	if err != nil {
		return RecognitionOutcome{}, err
	}
	if similarity < ValidationThreshold {
		return RecognitionOutcome{
			Kind:       OutcomeRejected,
			Confidence: confidence,
			Similarity: similarity * 100,
			Message: fmt.Sprintf("template validation failed (similarity %.1f%%, required %.0f%%)",
				similarity*100, ValidationThreshold*100),
		}, nil
	}

	winner, winnerSim, err := s.disambiguate(probe, candidate, similarity)
	if err != nil {
		return RecognitionOutcome{}, err
	}

	return RecognitionOutcome{
		Kind:       OutcomeMatched,
		IdentityID: winner,
		Confidence: confidence,
		Similarity: winnerSim * 100,
		Message:    fmt.Sprintf("face recognized with %.1f%% confidence", confidence),
	}, nil
}

// Reset wipes all templates and the classifier; subsequent recognition
// reports an untrained model.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Reset(); err != nil {
		return err
	}
	s.classifier = NewClassifier()
	return nil
}

// meetsThreshold is inclusive: a probe scoring exactly at the configured
// threshold passes.
func meetsThreshold(confidence float64, threshold int) bool {
	return confidence >= float64(threshold)
}

// bestSimilarity is the maximum combined similarity between the probe and any
// stored template of the identity.
func (s *Service) bestSimilarity(probe *image.Gray, identityID string) (float64, error) {
	templates, err := s.store.Templates(identityID)
	if err != nil {
		return 0, err
	}
	best := 0.0
	for _, t := range templates {
		if sim := imgproc.Similarity(probe, t); sim > best {
			best = sim
		}
	}
	return best, nil
}

// disambiguate re-checks every other enrolled identity by direct template
// similarity: when two identities look alike, the closest template wins over
// the classifier's label. Identities are visited in sorted order and only a
// strictly higher score replaces the winner, keeping the result deterministic.
func (s *Service) disambiguate(probe *image.Gray, candidate string, candidateSim float64) (string, float64, error) {
	ids, err := s.store.Identities()
	if err != nil {
		return "", 0, err
	}
	winner, winnerSim := candidate, candidateSim
	for _, id := range ids {
		if id == candidate {
			continue
		}
		sim, err := s.bestSimilarity(probe, id)
		if err != nil {
			return "", 0, err
		}
		if sim > winnerSim {
			winner, winnerSim = id, sim
		}
	}
	return winner, winnerSim, nil
}
