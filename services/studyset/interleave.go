// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

// interleaveQuestions merges the three per-type queues by repeatedly taking
// from the largest remaining queue that is not the last-emitted type, ties
// broken by queue order. This prevents runs of a single question type
// whenever at least two queues are non-empty.
func interleaveQuestions(sayItBack, translation, trivia []Question) []Question {
	queues := [][]Question{sayItBack, translation, trivia}
	total := len(sayItBack) + len(translation) + len(trivia)
	out := make([]Question, 0, total)

	lastType := ""
	for len(out) < total {
		best := -1
		for i, q := range queues {
			if len(q) == 0 {
				continue
			}
			if q[0].Type == lastType && hasOtherNonEmpty(queues, i) {
				continue
			}
			if best == -1 || len(q) > len(queues[best]) {
				best = i
			}
		}
		if best == -1 {
			// Only the last-emitted type remains.
			for i, q := range queues {
				if len(q) > 0 {
					best = i
					break
				}
			}
		}
		out = append(out, queues[best][0])
		lastType = queues[best][0].Type
		queues[best] = queues[best][1:]
	}
	return out
}

func hasOtherNonEmpty(queues [][]Question, skip int) bool {
	for i, q := range queues {
		if i != skip && len(q) > 0 {
			return true
		}
	}
	return false
}
