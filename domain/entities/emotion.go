package entities

import (
	"math"
	"sort"
)

// DefaultTopEmotions is the number of ranked emotions kept per utterance.
const DefaultTopEmotions = 3

// EmotionScore is one named affect dimension with its strength.
type EmotionScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// EmotionScores summarises the prosody of a single user utterance.
type EmotionScores struct {
	Top3 []EmotionScore    `json:"top3"`
	Raw  map[string]float64 `json:"raw"`
}

// NewEmotionScores ranks the raw prosody scores of one utterance.
// A nil map is treated as empty.
func NewEmotionScores(raw map[string]float64) EmotionScores {
	if raw == nil {
		raw = map[string]float64{}
	}
	return EmotionScores{
		Top3: ExtractTop(raw, DefaultTopEmotions),
		Raw:  raw,
	}
}

// Dominant returns the strongest emotion, if any.
func (e EmotionScores) Dominant() (EmotionScore, bool) {
	if len(e.Top3) == 0 {
		return EmotionScore{}, false
	}
	return e.Top3[0], true
}

// ExtractTop returns the n highest scores in descending order, each rounded
// to two decimals. Equal scores are ordered by name.
func ExtractTop(scores map[string]float64, n int) []EmotionScore {
	if len(scores) == 0 || n <= 0 {
		return []EmotionScore{}
	}

	ranked := make([]EmotionScore, 0, len(scores))
	for name, score := range scores {
		ranked = append(ranked, EmotionScore{Name: name, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Name < ranked[j].Name
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	top := ranked[:n]
	for i := range top {
		top[i].Score = roundHalfUp(top[i].Score, 2)
	}
	return top
}

func roundHalfUp(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Floor(v*pow+0.5) / pow
}
