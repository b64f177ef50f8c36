// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package features

// ConfigAPIs extracts configuration endpoints from a source, analyzes them and
// generates API configs. Each stage needs the previous stage's run id.
var ConfigAPIs = register(Feature{
	Name:       "configapis",
	Title:      "Config APIs",
	CancelPath: "/api/sources/config-apis/cancel",
	Stages: []Stage{
		{
			Name:      "extraction",
			Channel:   "extraction",
			Prefix:    "config_extraction",
			Detail:    "Extraction complete",
			SeedKey:   "extraction_id",
			StartPath: "/api/sources/config-apis/extract",
		},
		{
			Name:      "analysis",
			Channel:   "analysis",
			Prefix:    "config_analysis",
			Detail:    "Analysis complete",
			SeedKey:   "analysis_id",
			StartPath: "/api/sources/config-apis/analyze",
			Requires:  "extraction",
		},
		{
			Name:      "generation",
			Channel:   "generation",
			Prefix:    "config_generation",
			Detail:    "Generation complete",
			StartPath: "/api/sources/config-apis/generate",
			Requires:  "analysis",
		},
	},
})

// Databricks extracts workspace metadata and fingerprints it.
var Databricks = register(Feature{
	Name:       "databricks",
	Title:      "Databricks",
	CancelPath: "/api/sources/databricks/cancel",
	Stages: []Stage{
		{
			Name:      "extraction",
			Channel:   "databricks_extraction",
			Prefix:    "databricks_extraction",
			Detail:    "Extraction complete",
			SeedKey:   "extraction_id",
			StartPath: "/api/sources/databricks/extract",
		},
		{
			Name:      "fingerprint",
			Channel:   "databricks_fingerprint",
			Prefix:    "databricks_fingerprint",
			Detail:    "Fingerprint complete",
			StartPath: "/api/sources/databricks/fingerprint",
			Requires:  "extraction",
		},
	},
})

// ContextEngine generates a context tree.
var ContextEngine = register(Feature{
	Name:       "contextengine",
	Title:      "Context Engine",
	CancelPath: "/api/context-engine/cancel",
	Stages: []Stage{
		{
			Name:      "generation",
			Channel:   "context_tree",
			Prefix:    "context_tree",
			Detail:    "Context tree ready",
			SeedKey:   "tree_id",
			StartPath: "/api/context-engine/generate",
		},
	},
})

// Chat streams one assistant response.
var Chat = register(Feature{
	Name:       "chat",
	Title:      "Chat",
	CancelPath: "/api/chat/cancel",
	Stages: []Stage{
		{
			Name:      "response",
			Channel:   "chat",
			Prefix:    "chat",
			SeedKey:   "message_id",
			StartPath: "/api/chat/send",
		},
	},
})
