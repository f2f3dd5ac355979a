package textutil

// CosineSimilarity computes the cosine similarity between two fingerprints.
// Returns 0 if either fingerprint is nil or has zero norm.
func CosineSimilarity(a, b *Fingerprint) float64 {
	if a == nil || b == nil || a.norm == 0 || b.norm == 0 {
		return 0
	}
	var dot float64
	for token, count := range a.tokens {
		if other, ok := b.tokens[token]; ok {
			dot += count * other
		}
	}
	if dot == 0 {
		return 0
	}
	sim := dot / (a.norm * b.norm)
	if sim > 1 {
		return 1
	}
	return sim
}

// Agreement returns the mean pairwise cosine similarity of texts. Fewer
// than two texts agree trivially (1). A text without tokens matches only
// another empty text.
func Agreement(texts []string) float64 {
	if len(texts) < 2 {
		return 1
	}
	prints := make([]*Fingerprint, len(texts))
	for i, text := range texts {
		prints[i] = NewFingerprint(text)
	}
	var total float64
	pairs := 0
	for i := 0; i < len(prints); i++ {
		for j := i + 1; j < len(prints); j++ {
			pairs++
			if prints[i] == nil && prints[j] == nil {
				total++
				continue
			}
			total += CosineSimilarity(prints[i], prints[j])
		}
	}
	return total / float64(pairs)
}
