// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rules bakes the moderation rule file into the binary so the
// rule set is immutable at runtime and travels with the executable.
package rules

import (
	_ "embed"
)

// LyricsContentRules holds the raw bytes of lyrics_content_rules.yaml,
// populated at compile time. Pass these bytes to yaml.Unmarshal.
//
//go:embed lyrics_content_rules.yaml
var LyricsContentRules []byte
