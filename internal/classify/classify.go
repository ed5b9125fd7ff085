// Package classify maps student interaction content to a school department.
package classify

import (
	"strings"
	"unicode"
)

// Department identifies a departmental agent addressable by the router.
type Department string

const (
	DepartmentMath       Department = "math"
	DepartmentScience    Department = "science"
	DepartmentArts       Department = "arts"
	DepartmentAthletics  Department = "athletics"
	DepartmentCounseling Department = "counseling"
)

// Classifier decides which department should handle an interaction. Score is
// the classifier's confidence in [0, 1]; ok is false when no department
// matches, meaning the student-facing agent answers directly.
type Classifier interface {
	Classify(content string) (dept Department, score float64, ok bool)
}

type rule struct {
	dept     Department
	keywords []string
}

// KeywordClassifier is the deterministic default: an ordered keyword table,
// first match wins. It is a placeholder for richer classifiers; swapping one
// in never touches router logic.
type KeywordClassifier struct {
	rules []rule
}

// NewKeywordClassifier builds the default table. Order matters: earlier rules
// win when content mentions several subjects.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		rules: []rule{
			{DepartmentMath, []string{"math", "calculation", "calculate", "algebra", "geometry", "equation"}},
			{DepartmentScience, []string{"science", "experiment", "chemistry", "physics", "biology"}},
			{DepartmentArts, []string{"art", "arts", "creative", "paint", "draw", "music"}},
			{DepartmentAthletics, []string{"exercise", "fitness", "sports", "athletics", "gym"}},
			{DepartmentCounseling, []string{"sad", "worried", "anxious", "scared", "lonely", "upset"}},
		},
	}
}

// Classify tokenizes content into lowercase words and returns the first rule
// with a keyword hit. Whole-word matching avoids substring misfires
// ("start" never reaches the arts department).
func (c *KeywordClassifier) Classify(content string) (Department, float64, bool) {
	words := tokenize(content)
	if len(words) == 0 {
		return "", 0, false
	}
	for _, r := range c.rules {
		hits := 0
		for _, kw := range r.keywords {
			if _, ok := words[kw]; ok {
				hits++
			}
		}
		if hits > 0 {
			// More distinct keyword hits raise confidence, capped at 1.
			score := 0.6 + 0.2*float64(hits)
			if score > 1 {
				score = 1
			}
			return r.dept, score, true
		}
	}
	return "", 0, false
}

func tokenize(content string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		words[w] = struct{}{}
	}
	return words
}
