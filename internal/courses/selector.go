// Package courses maintains the course catalog collections and the
// ranking logic layered on top of raw vector search: score
// thresholding, deterministic ordering, and topic/week matching.
package courses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/embeddings"
	"github.com/studylabs/coursed/internal/indexer"
	"github.com/studylabs/coursed/internal/vectorstore"
)

var coursesTracer = otel.Tracer("coursed.courses")

const (
	// CollectionCourses holds one entry per course, embedded from its
	// full description.
	CollectionCourses = "courses"

	// CollectionCourseTopics holds one entry per course topic, embedded
	// individually so topic-level matches can be reported at select time.
	CollectionCourseTopics = "course_topics"

	// maxTopicsPerCourse bounds the per-course topic fanout and the
	// stale-entry sweep on re-index.
	maxTopicsPerCourse = 64

	// defaultTopicMatchThreshold is the normalized score a topic must
	// reach against the query to be reported as matched.
	defaultTopicMatchThreshold = 0.6
)

// ErrInvalidDescriptor indicates a course descriptor that cannot be indexed.
var ErrInvalidDescriptor = errors.New("invalid course descriptor")

// CourseWeek is one week of a course syllabus.
type CourseWeek struct {
	Week   int      `json:"week"`
	Topics []string `json:"topics"`
}

// CourseDescriptor describes one course for bulk indexing.
type CourseDescriptor struct {
	CourseID    int64        `json:"course_id"`
	Code        string       `json:"code"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Topics      []string     `json:"topics"`
	Weeks       []CourseWeek `json:"weeks,omitempty"`
}

// FailedItem records one descriptor that could not be indexed.
type FailedItem struct {
	CourseID int64  `json:"course_id"`
	Title    string `json:"title,omitempty"`
	Error    string `json:"error"`
}

// BulkIndexResult summarizes a bulk indexing run.
type BulkIndexResult struct {
	TotalIndexed int          `json:"total_indexed"`
	CourseIDs    []int64      `json:"course_ids"`
	FailedItems  []FailedItem `json:"failed_items"`
}

// CourseMatch is one ranked course in a selection result.
type CourseMatch struct {
	CourseID      int64        `json:"course_id"`
	Code          string       `json:"code"`
	Title         string       `json:"title"`
	Score         float64      `json:"score"`
	MatchedTopics []string     `json:"matched_topics"`
	Weeks         []CourseWeek `json:"weeks,omitempty"`
}

// SelectResult is the outcome of a course selection query.
type SelectResult struct {
	TotalResults int           `json:"total_results"`
	Results      []CourseMatch `json:"results"`
	QueryTimeMS  int64         `json:"query_time_ms"`
}

// Selector indexes course descriptors and answers selection queries.
type Selector struct {
	store          vectorstore.Store
	embedder       embeddings.Embedder
	topicThreshold float64
	logger         *zap.Logger
}

// NewSelector creates a course selector. topicThreshold <= 0 uses the
// default.
func NewSelector(store vectorstore.Store, embedder embeddings.Embedder, topicThreshold float64, logger *zap.Logger) (*Selector, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if topicThreshold <= 0 {
		topicThreshold = defaultTopicMatchThreshold
	}
	return &Selector{
		store:          store,
		embedder:       embedder,
		topicThreshold: topicThreshold,
		logger:         logger,
	}, nil
}

func courseEntryID(courseID int64) string {
	return fmt.Sprintf("course_%d", courseID)
}

func topicEntryID(courseID int64, n int) string {
	return fmt.Sprintf("course_%d_topic_%d", courseID, n)
}

// courseText is the text embedded for the whole-course entry.
func courseText(d CourseDescriptor) string {
	text := d.Code + " " + d.Title
	if d.Description != "" {
		text += "\n" + d.Description
	}
	for _, topic := range d.Topics {
		text += "\n" + topic
	}
	return text
}

// BulkIndex indexes a batch of course descriptors. Descriptors are
// processed independently: a failure is recorded in FailedItems and
// does not abort the rest of the batch. Re-indexing a course replaces
// its previous entries.
func (s *Selector) BulkIndex(ctx context.Context, descriptors []CourseDescriptor) (*BulkIndexResult, error) {
	ctx, span := coursesTracer.Start(ctx, "Courses.BulkIndex")
	defer span.End()

	span.SetAttributes(attribute.Int("descriptor_count", len(descriptors)))

	if err := s.store.EnsureCollection(ctx, CollectionCourses); err != nil {
		return nil, fmt.Errorf("ensuring courses collection: %w", err)
	}
	if err := s.store.EnsureCollection(ctx, CollectionCourseTopics); err != nil {
		return nil, fmt.Errorf("ensuring course topics collection: %w", err)
	}

	result := &BulkIndexResult{
		CourseIDs:   []int64{},
		FailedItems: []FailedItem{},
	}

	for _, d := range descriptors {
		if err := s.indexCourse(ctx, d); err != nil {
			result.FailedItems = append(result.FailedItems, FailedItem{
				CourseID: d.CourseID,
				Title:    d.Title,
				Error:    err.Error(),
			})
			s.logger.Warn("course indexing failed",
				zap.Int64("course_id", d.CourseID),
				zap.Error(err),
			)
			continue
		}
		result.TotalIndexed++
		result.CourseIDs = append(result.CourseIDs, d.CourseID)
	}

	s.logger.Info("course bulk index finished",
		zap.Int("indexed", result.TotalIndexed),
		zap.Int("failed", len(result.FailedItems)),
	)

	return result, nil
}

func (s *Selector) indexCourse(ctx context.Context, d CourseDescriptor) error {
	if d.CourseID <= 0 {
		return fmt.Errorf("%w: course_id must be positive", ErrInvalidDescriptor)
	}
	if d.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDescriptor)
	}
	if len(d.Topics) > maxTopicsPerCourse {
		return fmt.Errorf("%w: at most %d topics per course", ErrInvalidDescriptor, maxTopicsPerCourse)
	}

	texts := append([]string{courseText(d)}, d.Topics...)
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding course: %w", err)
	}

	topicsJSON, err := json.Marshal(d.Topics)
	if err != nil {
		return fmt.Errorf("marshaling topics: %w", err)
	}
	weeksJSON, err := json.Marshal(d.Weeks)
	if err != nil {
		return fmt.Errorf("marshaling weeks: %w", err)
	}

	courseIDStr := strconv.FormatInt(d.CourseID, 10)
	entry := vectorstore.Item{
		ID:        courseEntryID(d.CourseID),
		Content:   courseText(d),
		Embedding: vectors[0],
		Metadata: map[string]string{
			"course_id": courseIDStr,
			"code":      d.Code,
			"title":     d.Title,
			"topics":    string(topicsJSON),
			"weeks":     string(weeksJSON),
		},
	}
	if err := s.store.Add(ctx, CollectionCourses, []vectorstore.Item{entry}); err != nil {
		return fmt.Errorf("storing course entry: %w", err)
	}

	// A shorter topic list must not leave entries from a previous,
	// longer one behind.
	stale := make([]string, 0, maxTopicsPerCourse-len(d.Topics))
	for i := len(d.Topics); i < maxTopicsPerCourse; i++ {
		stale = append(stale, topicEntryID(d.CourseID, i))
	}
	if len(stale) > 0 {
		if err := s.store.Delete(ctx, CollectionCourseTopics, stale); err != nil {
			s.logger.Warn("failed to sweep stale topic entries",
				zap.Int64("course_id", d.CourseID),
				zap.Error(err),
			)
		}
	}

	if len(d.Topics) == 0 {
		return nil
	}

	topicItems := make([]vectorstore.Item, len(d.Topics))
	for i, topic := range d.Topics {
		topicItems[i] = vectorstore.Item{
			ID:        topicEntryID(d.CourseID, i),
			Content:   topic,
			Embedding: vectors[i+1],
			Metadata: map[string]string{
				"course_id": courseIDStr,
				"topic":     topic,
			},
		}
	}
	if err := s.store.Add(ctx, CollectionCourseTopics, topicItems); err != nil {
		return fmt.Errorf("storing topic entries: %w", err)
	}

	return nil
}

// Select ranks the subscribed courses against a query. The query is
// embedded once; each subscribed course is matched through a filtered
// store lookup rather than a post-filtered scan. Courses scoring below
// minScore are dropped, the rest are ordered by score descending with
// ties broken by ascending course id, then truncated to limit.
//
// Each returned course reports the subset of its topics whose own
// embeddings clear the topic match threshold against the query, and
// the syllabus weeks covering any matched topic.
func (s *Selector) Select(ctx context.Context, query string, subscribedCourseIDs []int64, minScore float64, limit int) (*SelectResult, error) {
	ctx, span := coursesTracer.Start(ctx, "Courses.Select")
	defer span.End()

	span.SetAttributes(
		attribute.Int("subscribed_count", len(subscribedCourseIDs)),
		attribute.Float64("min_score", minScore),
	)

	start := time.Now()

	if limit <= 0 {
		limit = 10
	}

	result := &SelectResult{Results: []CourseMatch{}}
	if len(subscribedCourseIDs) == 0 {
		result.QueryTimeMS = time.Since(start).Milliseconds()
		return result, nil
	}

	queryVector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var matches []CourseMatch
	for _, courseID := range subscribedCourseIDs {
		filter := map[string]string{"course_id": strconv.FormatInt(courseID, 10)}
		hits, err := s.store.Search(ctx, CollectionCourses, queryVector, 1, filter)
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("searching course %d: %w", courseID, err)
		}
		if len(hits) == 0 {
			continue
		}

		hit := hits[0]
		score := indexer.NormalizeScore(hit.Score)
		if score < minScore {
			continue
		}

		match := CourseMatch{
			CourseID: courseID,
			Code:     hit.Metadata["code"],
			Title:    hit.Metadata["title"],
			Score:    score,
		}
		if weeksJSON := hit.Metadata["weeks"]; weeksJSON != "" {
			if err := json.Unmarshal([]byte(weeksJSON), &match.Weeks); err != nil {
				s.logger.Warn("malformed weeks metadata",
					zap.Int64("course_id", courseID),
					zap.Error(err),
				)
			}
		}
		matches = append(matches, match)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CourseID < matches[j].CourseID
	})

	result.TotalResults = len(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}

	for i := range matches {
		topics, weeks, err := s.matchTopics(ctx, queryVector, &matches[i])
		if err != nil {
			return nil, err
		}
		matches[i].MatchedTopics = topics
		matches[i].Weeks = weeks
	}

	result.Results = matches
	result.QueryTimeMS = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("total_results", result.TotalResults),
		attribute.Int64("query_time_ms", result.QueryTimeMS),
	)

	return result, nil
}

// matchTopics finds the topics of one course that clear the match
// threshold against the query, and the weeks covering them.
func (s *Selector) matchTopics(ctx context.Context, queryVector []float32, match *CourseMatch) ([]string, []CourseWeek, error) {
	filter := map[string]string{"course_id": strconv.FormatInt(match.CourseID, 10)}
	hits, err := s.store.Search(ctx, CollectionCourseTopics, queryVector, maxTopicsPerCourse, filter)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return []string{}, []CourseWeek{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("matching topics for course %d: %w", match.CourseID, err)
	}

	matched := make(map[string]bool)
	topics := []string{}
	for _, hit := range hits {
		if indexer.NormalizeScore(hit.Score) < s.topicThreshold {
			continue
		}
		topic := hit.Metadata["topic"]
		if topic == "" || matched[topic] {
			continue
		}
		matched[topic] = true
		topics = append(topics, topic)
	}

	// Only weeks covering a matched topic are reported.
	weeks := []CourseWeek{}
	for _, week := range match.Weeks {
		for _, topic := range week.Topics {
			if matched[topic] {
				weeks = append(weeks, week)
				break
			}
		}
	}
	return topics, weeks, nil
}
