// Package diff computes change metrics between two website snapshots.
// Detection is a pure computation: metrics are always derived fresh
// from the two inputs and never persisted as mutable state.
package diff

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/coinlens/archivist/internal/archive"
)

// Score aggregation weights. Textual content change is the most
// actionable signal, layout/structure is secondary, and resource/page
// churn is the weakest (high noise from CDNs and cache-busting query
// strings).
const (
	contentWeight   = 0.4
	structureWeight = 0.3
	resourcesWeight = 0.2
	pagesWeight     = 0.1

	// Normalization calibration: this many raw changes count as a full
	// component score.
	resourcesFullScore = 50.0
	pagesFullScore     = 20.0

	// Aggregate scores below this are classified no_change.
	noChangeCutoff = 0.05
)

// DefaultThreshold gates both significance and reanalysis unless
// configured otherwise.
const DefaultThreshold = 0.3

// Snapshot is the raw material for one side of a comparison.
type Snapshot struct {
	ID string
	// ContentHash enables the whole-site short-circuit when both sides
	// carry one.
	ContentHash string
	// Content is the full extracted text.
	Content string
	// HTML is the captured document markup.
	HTML string
	// Resources are the non-page URLs captured (CSS, JS, images).
	Resources []string
	// PageURLs are the HTML page URLs captured.
	PageURLs []string
}

// Metrics is the outcome of comparing two snapshots.
type Metrics struct {
	ChangeScore     float64            `json:"change_score"`
	SimilarityScore float64            `json:"similarity_score"`
	ChangeType      archive.ChangeType `json:"change_type"`

	TextAddedBytes        int     `json:"text_added_bytes"`
	TextRemovedBytes      int     `json:"text_removed_bytes"`
	TextChangedPercentage float64 `json:"text_changed_percentage"`

	StructureDiffScore float64 `json:"structure_diff_score"`
	NewSections        int     `json:"new_sections"`
	RemovedSections    int     `json:"removed_sections"`
	LayoutChanged      bool    `json:"layout_changed"`

	ResourcesAdded int `json:"resources_added"`
	ResourcesRemoved int `json:"resources_removed"`
	// ResourcesChanged is always zero without per-resource hashes;
	// set-membership is the only signal available.
	ResourcesChanged int `json:"resources_changed"`

	PagesAdded   []string `json:"pages_added"`
	PagesRemoved []string `json:"pages_removed"`
	// PagesChanged lists URLs present in both snapshots; their content
	// may differ even though the URL persists.
	PagesChanged []string `json:"pages_changed"`

	IsSignificant      bool `json:"is_significant_change"`
	RequiresReanalysis bool `json:"requires_reanalysis"`
}

// Config tunes the detector's gating thresholds, each in [0,1] and
// independently configurable.
type Config struct {
	SignificanceThreshold float64 `mapstructure:"significance_threshold" yaml:"significance_threshold"`
	ReanalysisThreshold   float64 `mapstructure:"reanalysis_threshold" yaml:"reanalysis_threshold"`
}

// Detector compares snapshots. Safe for concurrent use.
type Detector struct {
	significance float64
	reanalysis   float64
	log          *zap.Logger
}

// NewDetector builds a detector; zero thresholds take the default.
func NewDetector(cfg Config, log *zap.Logger) *Detector {
	if cfg.SignificanceThreshold == 0 {
		cfg.SignificanceThreshold = DefaultThreshold
	}
	if cfg.ReanalysisThreshold == 0 {
		cfg.ReanalysisThreshold = DefaultThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		significance: cfg.SignificanceThreshold,
		reanalysis:   cfg.ReanalysisThreshold,
		log:          log,
	}
}

// DetectChanges computes the change metrics between old and new.
func (d *Detector) DetectChanges(old, new Snapshot) Metrics {
	// Hash short-circuit: the common case is an unchanged site, so
	// skip the expensive diffing entirely when both hashes agree.
	if old.ContentHash != "" && new.ContentHash != "" && old.ContentHash == new.ContentHash {
		d.log.Debug("snapshots identical by hash",
			zap.String("old", old.ID), zap.String("new", new.ID))
		return Metrics{
			SimilarityScore: 1.0,
			ChangeType:      archive.ChangeNone,
		}
	}

	var m Metrics
	d.compareContent(&m, old.Content, new.Content)
	d.compareStructure(&m, old.HTML, new.HTML)
	d.compareResources(&m, old.Resources, new.Resources)
	d.comparePages(&m, old.PageURLs, new.PageURLs)

	m.ChangeScore = aggregateScore(&m)
	m.SimilarityScore = 1.0 - m.ChangeScore
	m.ChangeType = classify(&m)
	m.IsSignificant = m.ChangeScore >= d.significance
	m.RequiresReanalysis = m.ChangeScore >= d.reanalysis

	d.log.Debug("change detection complete",
		zap.String("old", old.ID),
		zap.String("new", new.ID),
		zap.Float64("score", m.ChangeScore),
		zap.String("type", string(m.ChangeType)),
		zap.Bool("reanalysis", m.RequiresReanalysis))
	return m
}

func (d *Detector) compareContent(m *Metrics, oldContent, newContent string) {
	if oldContent == "" || newContent == "" {
		m.TextAddedBytes = len(newContent)
		m.TextRemovedBytes = len(oldContent)
		if oldContent != newContent {
			m.TextChangedPercentage = 1.0
		}
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	distance := dmp.DiffLevenshtein(diffs)

	maxLen := len(oldContent)
	if len(newContent) > maxLen {
		maxLen = len(newContent)
	}
	similarity := 1.0 - float64(distance)/float64(maxLen)

	// Raw byte asymmetry is tracked independently of the similarity
	// score; classification needs the direction of the change.
	if len(newContent) > len(oldContent) {
		m.TextAddedBytes = len(newContent) - len(oldContent)
	} else {
		m.TextRemovedBytes = len(oldContent) - len(newContent)
	}
	m.TextChangedPercentage = clamp01(1.0 - similarity)
}

func (d *Detector) compareStructure(m *Metrics, oldHTML, newHTML string) {
	if oldHTML == "" || newHTML == "" {
		if oldHTML != newHTML {
			m.StructureDiffScore = 1.0
			m.LayoutChanged = true
		}
		return
	}

	oldDoc, errOld := goquery.NewDocumentFromReader(strings.NewReader(oldHTML))
	newDoc, errNew := goquery.NewDocumentFromReader(strings.NewReader(newHTML))
	if errOld != nil || errNew != nil {
		d.log.Warn("html parse failed, using neutral structure score",
			zap.NamedError("old", errOld), zap.NamedError("new", errNew))
		m.StructureDiffScore = 0.5
		return
	}

	oldSections := extractSections(oldDoc)
	newSections := extractSections(newDoc)

	for id := range newSections {
		if !oldSections[id] {
			m.NewSections++
		}
	}
	for id := range oldSections {
		if !newSections[id] {
			m.RemovedSections++
		}
	}

	m.LayoutChanged = layoutSignature(oldDoc) != layoutSignature(newDoc)

	if len(oldSections) > 0 && len(newSections) > 0 {
		total := len(oldSections)
		if len(newSections) > total {
			total = len(newSections)
		}
		m.StructureDiffScore = float64(m.NewSections+m.RemovedSections) / float64(total)
	} else if oldHTML != newHTML {
		m.StructureDiffScore = 1.0
	}
}

func (d *Detector) compareResources(m *Metrics, oldResources, newResources []string) {
	oldSet := toSet(oldResources)
	newSet := toSet(newResources)
	for r := range newSet {
		if !oldSet[r] {
			m.ResourcesAdded++
		}
	}
	for r := range oldSet {
		if !newSet[r] {
			m.ResourcesRemoved++
		}
	}
}

func (d *Detector) comparePages(m *Metrics, oldURLs, newURLs []string) {
	oldSet := toSet(oldURLs)
	newSet := toSet(newURLs)
	for u := range newSet {
		if oldSet[u] {
			m.PagesChanged = append(m.PagesChanged, u)
		} else {
			m.PagesAdded = append(m.PagesAdded, u)
		}
	}
	for u := range oldSet {
		if !newSet[u] {
			m.PagesRemoved = append(m.PagesRemoved, u)
		}
	}
}

func aggregateScore(m *Metrics) float64 {
	contentScore := clamp01(m.TextChangedPercentage)
	structureScore := clamp01(m.StructureDiffScore)

	totalResources := m.ResourcesAdded + m.ResourcesRemoved + m.ResourcesChanged
	resourcesScore := clamp01(float64(totalResources) / resourcesFullScore)

	totalPages := len(m.PagesAdded) + len(m.PagesRemoved)
	pagesScore := clamp01(float64(totalPages) / pagesFullScore)

	return contentWeight*contentScore +
		structureWeight*structureScore +
		resourcesWeight*resourcesScore +
		pagesWeight*pagesScore
}

// classify applies the ordered classification rules. Order matters:
// the earliest matching rule wins.
func classify(m *Metrics) archive.ChangeType {
	if m.ChangeScore < noChangeCutoff {
		return archive.ChangeNone
	}
	if m.LayoutChanged && m.StructureDiffScore > 0.7 {
		return archive.ChangeMajorRedesign
	}
	if m.StructureDiffScore > 0.5 {
		return archive.ChangeStructureChanged
	}
	if m.ResourcesAdded+m.ResourcesRemoved > 20 {
		return archive.ChangeResourcesChanged
	}
	if m.TextAddedBytes > m.TextRemovedBytes*2 {
		return archive.ChangeContentAdded
	}
	if m.TextRemovedBytes > m.TextAddedBytes*2 {
		return archive.ChangeContentRemoved
	}
	return archive.ChangeContentModified
}

// extractSections collects the ids of block-level containers carrying
// an id attribute.
func extractSections(doc *goquery.Document) map[string]bool {
	sections := make(map[string]bool)
	doc.Find("section[id], div[id], article[id], main[id], aside[id]").Each(func(_ int, sel *goquery.Selection) {
		if id, ok := sel.Attr("id"); ok && id != "" {
			sections[id] = true
		}
	})
	return sections
}

// layoutSignature summarizes the top-level layout landmarks by count.
// Deliberately coarse: content changes inside a landmark do not alter
// the signature.
func layoutSignature(doc *goquery.Document) string {
	var parts []string
	for _, tag := range []string{"header", "nav", "main", "aside", "footer"} {
		if n := doc.Find(tag).Length(); n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", tag, n))
		}
	}
	return strings.Join(parts, "|")
}

// StructureHash hashes the document's element skeleton (tag, id,
// classes), ignoring text content, so purely textual edits hash
// identically.
func StructureHash(htmlText string, hasher archive.Hasher) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return hasher.Hash([]byte(htmlText))
	}

	var parts []string
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		var tag string
		if len(sel.Nodes) > 0 && sel.Nodes[0].Type == html.ElementNode {
			tag = sel.Nodes[0].Data
		}
		id, _ := sel.Attr("id")
		class, _ := sel.Attr("class")
		parts = append(parts, fmt.Sprintf("%s:%s:%s", tag, id, class))
	})
	return hasher.Hash([]byte(strings.Join(parts, "|")))
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
