// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Resonate/services/moderation/rules"
)

func TestEmbeddedRulesParse(t *testing.T) {
	require.NotEmpty(t, rules.LyricsContentRules)
	engine, err := New()
	require.NoError(t, err)
	require.NotEmpty(t, engine.classifications)

	// Sorted highest priority first.
	for i := 1; i < len(engine.classifications); i++ {
		assert.GreaterOrEqual(t,
			engine.classifications[i-1].Priority, engine.classifications[i].Priority)
	}
}

func TestScanCleanLyrics(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	assert.Nil(t, engine.Scan("With a taste of your lips I'm on a ride"))
	assert.Nil(t, engine.Scan(""))
}

func TestScanFindings(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	tests := []struct {
		name           string
		text           string
		classification string
		action         Action
	}{
		{"shortened url", "stream it now bit.ly/xK9z2", "spam_links", ActionReject},
		{"download bait", "FREE DOWNLOAD at my page", "spam_links", ActionReject},
		{"email", "booking: mgmt@example-records.com", "contact_harvesting", ActionReject},
		{"copyright notice", "Verse one\n(c) 2019 Big Label Inc.", "copyright_notice", ActionReview},
		{"rights boilerplate", "All Rights Reserved", "copyright_notice", ActionReview},
		{"leak marker", "unreleased version, do not share", "leak_distribution", ActionReview},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			finding := engine.Scan(tc.text)
			require.NotNil(t, finding)
			assert.Equal(t, tc.classification, finding.Classification)
			assert.Equal(t, tc.action, finding.Action)
			assert.NotEmpty(t, finding.PatternID)
		})
	}
}

func TestHigherPriorityWins(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	// Text matching both a reject and a review classification lands on the
	// higher-priority reject.
	finding := engine.Scan("(c) 2020 leaked mix, free download here")
	require.NotNil(t, finding)
	assert.Equal(t, ActionReject, finding.Action)
	assert.Equal(t, "spam_links", finding.Classification)
}

func TestBadActionRejected(t *testing.T) {
	var file RuleFile
	err := yaml.Unmarshal([]byte("classifications:\n  - name: x\n    action: explode\n"), &file)
	assert.Error(t, err)
}
