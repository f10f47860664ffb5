// Package synthesizer folds N analyst finding sets into one
// KnowledgeTree: findings are deduplicated by Jaccard similarity over
// normalized content, keyed under domain/topic nodes, and linked by
// shared-evidence edges. Finding nodes hang directly under their topic
// node; the tree has no per-analyst-kind level (each finding carries its
// kind itself).
package synthesizer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"knowledgetree/core/domain"
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "to": {}, "of": {}, "and": {},
	"in": {}, "on": {}, "for": {}, "it": {}, "this": {}, "that": {}, "with": {},
}

func normalize(content string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(content))
	set := map[string]struct{}{}
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if f == "" {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		f = stem(f)
		set[f] = struct{}{}
	}
	return set
}

// stem is a minimal suffix-stripping stemmer, enough to collapse
// plurals/verb forms for dedup purposes, not a linguistic stemmer.
func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suffix)+2 && strings.HasSuffix(w, suffix) {
			return strings.TrimSuffix(w, suffix)
		}
	}
	return w
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

const dedupThreshold = 0.85

// mergedFinding tracks a finding plus the bag of confidences that were
// folded into it, needed for the 1-Π(1-c_i) merge formula. id is a
// stable index into the original merged slice, used instead of pointer
// identity once findings are regrouped by domain/topic.
type mergedFinding struct {
	id          int
	finding     domain.AnalystFinding
	tokens      map[string]struct{}
	confidences []float64
	evidence    map[int64]struct{}
}

// dedupe merges findings whose normalized content collides with
// Jaccard >= 0.85. Input order determines which finding's
// Category/Topic the merged record keeps (first wins); iteration order
// is the caller-provided, already-deterministic analyst-kind order.
func dedupe(findings []domain.AnalystFinding) []mergedFinding {
	var merged []mergedFinding
	for _, f := range findings {
		tokens := normalize(f.Content)
		matched := -1
		for i := range merged {
			if jaccard(tokens, merged[i].tokens) >= dedupThreshold {
				matched = i
				break
			}
		}
		if matched == -1 {
			evidence := map[int64]struct{}{}
			for _, e := range f.Evidence {
				evidence[e] = struct{}{}
			}
			merged = append(merged, mergedFinding{
				finding:     f,
				tokens:      tokens,
				confidences: []float64{f.Confidence},
				evidence:    evidence,
			})
			continue
		}
		m := &merged[matched]
		m.confidences = append(m.confidences, f.Confidence)
		for _, e := range f.Evidence {
			m.evidence[e] = struct{}{}
		}
	}

	out := make([]mergedFinding, len(merged))
	copy(out, merged)
	for i := range out {
		out[i].id = i
		prod := 1.0
		for _, c := range out[i].confidences {
			prod *= 1 - c
		}
		out[i].finding.Confidence = 1 - prod
		evidence := make([]int64, 0, len(out[i].evidence))
		for e := range out[i].evidence {
			evidence = append(evidence, e)
		}
		sort.Slice(evidence, func(a, b int) bool { return evidence[a] < evidence[b] })
		out[i].finding.Evidence = evidence
	}
	return out
}

// nodeKey is domain/topic/analyst-kind.
func nodeKey(domainTag, topic string, kind domain.AnalystKind) string {
	if topic == "" {
		topic = domain.CrossTopicNode
	}
	return fmt.Sprintf("%s/%s/%s", domainTag, topic, kind)
}

func rankScore(f domain.AnalystFinding) float64 {
	return f.Confidence * (1 + math.Log(1+float64(len(f.Evidence))))
}

// Synthesize builds a KnowledgeTree from N analyst finding sets plus the
// snapshot they were derived from, whose topics supply each finding's
// business-domain tag. version is the new tree's version number (prior
// version + 1, or 1 for the first tree on this account).
func Synthesize(treeID string, generatedAt time.Time, snapshot *domain.OrganizedSnapshot, findings []domain.AnalystFinding, failed []domain.AnalystKind, version int) domain.KnowledgeTree {
	domainByTopic := map[string]string{}
	for _, t := range snapshot.Topics {
		domainByTopic[t.TopicID] = t.BusinessDomain
	}

	merged := dedupe(findings)

	type groupKey struct{ domainTag, topic string }
	groups := map[groupKey][]mergedFinding{}
	for _, m := range merged {
		domainTag := domainByTopic[m.finding.Topic]
		if domainTag == "" {
			domainTag = "general"
		}
		topic := m.finding.Topic
		if topic == "" {
			topic = domain.CrossTopicNode
		}
		key := groupKey{domainTag, topic}
		groups[key] = append(groups[key], m)
	}

	var nodes []domain.TreeNode
	domainNodes := map[string]string{}
	topicNodes := map[string]string{}

	ensureDomainNode := func(domainTag string) string {
		if id, ok := domainNodes[domainTag]; ok {
			return id
		}
		id := "domain/" + domainTag
		nodes = append(nodes, domain.TreeNode{ID: id, Kind: "domain", Label: domainTag})
		domainNodes[domainTag] = id
		return id
	}
	ensureTopicNode := func(domainTag, topic string) string {
		key := domainTag + "/" + topic
		if id, ok := topicNodes[key]; ok {
			return id
		}
		parent := ensureDomainNode(domainTag)
		id := "topic/" + key
		nodes = append(nodes, domain.TreeNode{ID: id, Kind: "topic", Label: topic, ParentID: parent})
		topicNodes[key] = id
		if p := findNode(nodes, parent); p != nil {
			p.Children = append(p.Children, id)
		}
		return id
	}

	findingNodeIDs := map[int]string{}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].domainTag != keys[j].domainTag {
			return keys[i].domainTag < keys[j].domainTag
		}
		return keys[i].topic < keys[j].topic
	})

	for _, key := range keys {
		topicNodeID := ensureTopicNode(key.domainTag, key.topic)
		items := groups[key]
		sort.SliceStable(items, func(i, j int) bool { return rankScore(items[i].finding) > rankScore(items[j].finding) })

		for i := range items {
			m := &items[i]
			nodeID := fmt.Sprintf("%s/finding-%d", topicNodeID, i+1)
			nodes = append(nodes, domain.TreeNode{
				ID: nodeID, Kind: "finding", Label: m.finding.Category,
				ParentID: topicNodeID, Finding: &m.finding,
			})
			if p := findNode(nodes, topicNodeID); p != nil {
				p.Children = append(p.Children, nodeID)
			}
			findingNodeIDs[m.id] = nodeID
		}
	}

	edges := crossDomainEdges(merged, findingNodeIDs)

	return domain.KnowledgeTree{
		TreeID:           treeID,
		GeneratedAt:      generatedAt,
		Nodes:            nodes,
		Edges:            edges,
		SourceSnapshotID: snapshot.SnapshotID,
		Version:          version,
		FailedAnalysts:   failed,
	}
}

func findNode(nodes []domain.TreeNode, id string) *domain.TreeNode {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}

// crossDomainEdges links every pair of findings sharing >= 2 evidence
// message ids, weighted by shared-evidence / min(|A|,|B|).
func crossDomainEdges(merged []mergedFinding, nodeIDs map[int]string) []domain.TreeEdge {
	var edges []domain.TreeEdge
	for i := 0; i < len(merged); i++ {
		for j := i + 1; j < len(merged); j++ {
			fromID, toID := nodeIDs[merged[i].id], nodeIDs[merged[j].id]
			if fromID == "" || toID == "" {
				continue
			}
			shared := 0
			for e := range merged[i].evidence {
				if _, ok := merged[j].evidence[e]; ok {
					shared++
				}
			}
			if shared < 2 {
				continue
			}
			minLen := len(merged[i].evidence)
			if len(merged[j].evidence) < minLen {
				minLen = len(merged[j].evidence)
			}
			if minLen == 0 {
				continue
			}
			edges = append(edges, domain.TreeEdge{
				FromNodeID: fromID,
				ToNodeID:   toID,
				Weight:     float64(shared) / float64(minLen),
			})
		}
	}
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].FromNodeID != edges[b].FromNodeID {
			return edges[a].FromNodeID < edges[b].FromNodeID
		}
		return edges[a].ToNodeID < edges[b].ToNodeID
	})
	return edges
}
