// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// seededPRNG is a counter-based generator: draw n hashes the seed with an
// incrementing counter, so the sequence is byte-reproducible across
// implementations and platforms.
type seededPRNG struct {
	seed    [32]byte
	counter uint64
}

func newSeededPRNG(key string) *seededPRNG {
	return &seededPRNG{seed: sha256.Sum256([]byte(key))}
}

// intn returns a uniform value in [0, n).
func (p *seededPRNG) intn(n int) int {
	var block [40]byte
	copy(block[:32], p.seed[:])
	binary.BigEndian.PutUint64(block[32:], p.counter)
	p.counter++
	digest := sha256.Sum256(block[:])
	v := binary.BigEndian.Uint64(digest[:8])
	return int(v % uint64(n))
}

// scrambleKey derives the per-question PRNG seed.
func scrambleKey(promptHash, questionType, questionID string, questionIndex int) string {
	return fmt.Sprintf("%s:%s:%s:%d", promptHash, questionType, questionID, questionIndex)
}

// scrambleQuestion shuffles an MCQ's choices with the seeded PRNG and
// rewrites correct_index and choice_rationales to match. The identity
// permutation is replaced with a fixed rotation so the model's original
// ordering never survives. Say-it-back questions pass through untouched.
func scrambleQuestion(q *Question, promptHash string, questionIndex int) {
	if !q.IsMCQ() || len(q.Choices) != 4 || q.CorrectIndex == nil {
		return
	}
	prng := newSeededPRNG(scrambleKey(promptHash, q.Type, q.ID, questionIndex))

	perm := []int{0, 1, 2, 3}
	for i := len(perm) - 1; i > 0; i-- {
		j := prng.intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	if perm[0] == 0 && perm[1] == 1 && perm[2] == 2 && perm[3] == 3 {
		perm = []int{1, 2, 3, 0}
	}

	choices := make([]string, 4)
	rationales := make([]string, 4)
	newCorrect := 0
	for to, from := range perm {
		choices[to] = q.Choices[from]
		rationales[to] = q.ChoiceRationales[from]
		if from == *q.CorrectIndex {
			newCorrect = to
		}
	}
	q.Choices = choices
	q.ChoiceRationales = rationales
	q.CorrectIndex = &newCorrect
}
