// Package organizer implements the Organizer / Skeleton Builder: it
// produces an OrganizedSnapshot from messages and contacts without
// ever calling an LLM. Topic discovery and key-point extraction are
// plain bag-of-words scoring over normalized subject and body tokens.
package organizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

// Config carries the tunable clustering thresholds.
type Config struct {
	MinSharedParticipants  int                 // K, default 2
	MinSharedTokens        int                 // J, default 2
	KeyPointsPerTopic      int                 // top N sentences/subjects per topic
	BusinessDomainKeywords map[string][]string // tag -> keyword list
}

func NewConfig(k, j int, keywords map[string][]string) Config {
	if k <= 0 {
		k = 2
	}
	if j <= 0 {
		j = 2
	}
	if keywords == nil {
		keywords = DefaultBusinessDomainKeywords()
	}
	return Config{MinSharedParticipants: k, MinSharedTokens: j, KeyPointsPerTopic: 5, BusinessDomainKeywords: keywords}
}

// DefaultBusinessDomainKeywords is a small configurable keyword map
// tagging topics by business domain.
func DefaultBusinessDomainKeywords() map[string][]string {
	return map[string][]string{
		"sales":       {"proposal", "pricing", "contract", "deal", "quote"},
		"engineering": {"bug", "deploy", "architecture", "release", "api"},
		"fundraising": {"term sheet", "valuation", "round", "investor", "cap table"},
		"partnership": {"partnership", "collaboration", "integration", "joint"},
		"hiring":      {"candidate", "interview", "offer", "referral", "hiring"},
	}
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "re": {}, "fwd": {}, "fw": {}, "to": {}, "of": {},
	"and": {}, "in": {}, "on": {}, "for": {}, "is": {}, "it": {}, "this": {}, "that": {},
	"with": {}, "your": {}, "you": {}, "our": {}, "we": {}, "i": {}, "be": {}, "are": {},
}

// normalizeTokens lowercases, strips punctuation, and drops stop words.
func normalizeTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		if len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func tokenSet(tokens []string) map[string]struct{} {
	s := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

func sharedCount(a, b map[string]struct{}) int {
	n := 0
	small, big := a, b
	if len(a) > len(b) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			n++
		}
	}
	return n
}

// candidateTopic is a working cluster before it's finalized into a
// domain.TopicSummary.
type candidateTopic struct {
	threadIDs      []string
	participants   map[string]struct{}
	subjectTokens  map[string]struct{}
	messages       []domain.Message
}

// DiscoverTopics groups threads that share >= K participants and whose
// subjects share >= J normalized tokens into candidate topics. It's a
// cheap union-find over threads, not an LLM call.
func DiscoverTopics(threads map[string]*domain.Thread, messagesByThread map[string][]domain.Message, cfg Config) []candidateTopic {
	ids := make([]string, 0, len(threads))
	for id := range threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	tokensByThread := make(map[string]map[string]struct{}, len(ids))
	participantsByThread := make(map[string]map[string]struct{}, len(ids))
	for _, id := range ids {
		var subject string
		if msgs := messagesByThread[id]; len(msgs) > 0 {
			subject = msgs[0].Subject
		}
		tokensByThread[id] = tokenSet(normalizeTokens(subject))
		participantsByThread[id] = tokenSet(threads[id].Participants)
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			sharedP := sharedCount(participantsByThread[a], participantsByThread[b])
			sharedT := sharedCount(tokensByThread[a], tokensByThread[b])
			if sharedP >= cfg.MinSharedParticipants && sharedT >= cfg.MinSharedTokens {
				union(a, b)
			}
		}
	}

	groups := map[string]*candidateTopic{}
	for _, id := range ids {
		root := find(id)
		g, ok := groups[root]
		if !ok {
			g = &candidateTopic{participants: map[string]struct{}{}, subjectTokens: map[string]struct{}{}}
			groups[root] = g
		}
		g.threadIDs = append(g.threadIDs, id)
		for p := range participantsByThread[id] {
			g.participants[p] = struct{}{}
		}
		for t := range tokensByThread[id] {
			g.subjectTokens[t] = struct{}{}
		}
		g.messages = append(g.messages, messagesByThread[id]...)
	}

	out := make([]candidateTopic, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	// deterministic order: by first (lexicographically smallest) thread id
	sort.Slice(out, func(i, j int) bool {
		return minString(out[i].threadIDs) < minString(out[j].threadIDs)
	})
	return out
}

func minString(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	m := ss[0]
	for _, s := range ss[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

// tfScore ranks sentences/subjects within a topic by raw term frequency
// over the topic's own vocabulary.
func tfScore(text string, freq map[string]int) float64 {
	tokens := normalizeTokens(text)
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		sum += float64(freq[t])
	}
	return sum / float64(len(tokens))
}

func splitSentences(body string) []string {
	raw := strings.FieldsFunc(body, func(r rune) bool {
		return r == '.' || r == '\n' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if len(s) >= 15 && len(s) <= 240 {
			out = append(out, s)
		}
	}
	return out
}

// keyPoints selects the top N subject lines and sentences by TF-weighted
// score over the topic's aggregate text.
func keyPoints(messages []domain.Message, n int) []string {
	freq := map[string]int{}
	var candidates []string
	seen := map[string]struct{}{}
	addCandidate := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		candidates = append(candidates, s)
	}

	for _, m := range messages {
		for _, t := range normalizeTokens(m.Subject) {
			freq[t]++
		}
		for _, t := range normalizeTokens(m.Body) {
			freq[t]++
		}
	}
	for _, m := range messages {
		addCandidate(m.Subject)
		for _, s := range splitSentences(m.Body) {
			addCandidate(s)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := tfScore(candidates[i], freq), tfScore(candidates[j], freq)
		if si != sj {
			return si > sj
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// businessDomainTag picks the keyword-map tag with the most hits over
// the topic's text; "general" if nothing matches.
func businessDomainTag(messages []domain.Message, keywords map[string][]string) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(strings.ToLower(m.Subject))
		sb.WriteString(" ")
		sb.WriteString(strings.ToLower(m.Body))
		sb.WriteString(" ")
	}
	text := sb.String()

	tags := make([]string, 0, len(keywords))
	for tag := range keywords {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	bestTag, bestHits := "general", 0
	for _, tag := range tags {
		hits := 0
		for _, kw := range keywords[tag] {
			hits += strings.Count(text, kw)
		}
		if hits > bestHits {
			bestTag, bestHits = tag, hits
		}
	}
	return bestTag
}

// label picks the most frequent normalized subject tokens across the
// topic's threads as a human-readable label.
func label(messages []domain.Message) string {
	freq := map[string]int{}
	for _, m := range messages {
		for _, t := range normalizeTokens(m.Subject) {
			freq[t]++
		}
	}
	tokens := make([]string, 0, len(freq))
	for t := range freq {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if freq[tokens[i]] != freq[tokens[j]] {
			return freq[tokens[i]] > freq[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > 3 {
		tokens = tokens[:3]
	}
	if len(tokens) == 0 {
		return "misc"
	}
	return strings.Join(tokens, " ")
}

// Build runs the full organizing pass and returns a new
// OrganizedSnapshot. statusByAddress is the Analyzer's latest output,
// used to populate each topic's participant x status matrix and the
// snapshot's contact matrix.
func Build(
	accountID uuid.UUID,
	snapshotID string,
	generatedAt time.Time,
	messages []domain.Message,
	statusByAddress map[string]domain.ContactMatrixEntry,
	cfg Config,
) domain.OrganizedSnapshot {
	threads := domain.BuildThreads(messages)
	messagesByThread := map[string][]domain.Message{}
	byID := map[int64]domain.Message{}
	for _, m := range messages {
		messagesByThread[m.ThreadID] = append(messagesByThread[m.ThreadID], m)
		byID[m.ID] = m
	}

	groups := DiscoverTopics(threads, messagesByThread, cfg)

	topics := make([]domain.TopicSummary, 0, len(groups))
	contactToTopics := map[string][]string{}
	topicToContacts := map[string][]string{}

	for i, g := range groups {
		topicID := fmt.Sprintf("topic-%d", i+1)

		participants := make([]string, 0, len(g.participants))
		for p := range g.participants {
			participants = append(participants, p)
		}
		sort.Strings(participants)

		refs := make([]int64, 0, len(g.messages))
		var spanFrom, spanTo = g.messages[0].Timestamp, g.messages[0].Timestamp
		for _, m := range g.messages {
			refs = append(refs, m.ID)
			if m.Timestamp.Before(spanFrom) {
				spanFrom = m.Timestamp
			}
			if m.Timestamp.After(spanTo) {
				spanTo = m.Timestamp
			}
		}
		sort.Slice(refs, func(a, b int) bool { return refs[a] < refs[b] })

		matrix := map[string]domain.RelationshipStatus{}
		for _, p := range participants {
			if entry, ok := statusByAddress[p]; ok {
				matrix[p] = entry.Status
			}
			contactToTopics[p] = append(contactToTopics[p], topicID)
			topicToContacts[topicID] = append(topicToContacts[topicID], p)
		}

		topics = append(topics, domain.TopicSummary{
			TopicID:        topicID,
			Label:          label(g.messages),
			Participants:   participants,
			MessageRefs:    refs,
			SpanFrom:       spanFrom,
			SpanTo:         spanTo,
			KeyPoints:      keyPoints(g.messages, cfg.KeyPointsPerTopic),
			BusinessDomain: businessDomainTag(g.messages, cfg.BusinessDomainKeywords),
			StatusMatrix:   matrix,
		})
	}

	fp := Fingerprint(topics, len(messages))

	return domain.OrganizedSnapshot{
		SnapshotID:      snapshotID,
		AccountID:       accountID,
		GeneratedAt:     generatedAt,
		MessageCount:    len(messages),
		Fingerprint:     fp,
		Topics:          topics,
		ContactMatrix:   statusByAddress,
		ContactToTopics: contactToTopics,
		TopicToContacts: topicToContacts,
	}
}

// Fingerprint computes the snapshot content hash over sorted topic
// ids, sorted participant sets, message count, and max timestamp.
func Fingerprint(topics []domain.TopicSummary, messageCount int) string {
	var ids []string
	var maxTS int64
	participantSet := map[string]struct{}{}
	for _, t := range topics {
		ids = append(ids, t.TopicID)
		for _, p := range t.Participants {
			participantSet[p] = struct{}{}
		}
		if ts := t.SpanTo.Unix(); ts > maxTS {
			maxTS = ts
		}
	}
	sort.Strings(ids)
	participants := make([]string, 0, len(participantSet))
	for p := range participantSet {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	h := sha256.New()
	h.Write([]byte(strings.Join(ids, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(participants, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(messageCount)))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(maxTS, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
